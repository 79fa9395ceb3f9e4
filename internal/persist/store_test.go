package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("proc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing checkpoint")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cp := Checkpoint{
		Stream:   "conversation/proc-1",
		Kind:     schema.DocumentConversation,
		Cursor:   7,
		Document: json.RawMessage(`{"entries":[null,{"type":"STDOUT","content":"hi"}]}`),
	}
	if err := store.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(cp.Stream)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected checkpoint to exist")
	}
	if diff := cmp.Diff(cp, got); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
	info, err := os.Stat(filepath.Join(dir, "conversation_proc-1.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestStoreSaverOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	save := store.Saver("diff/att-1", schema.DocumentDiff)
	save(1, []byte(`{"entries":{}}`))
	save(2, []byte(`{"entries":{"a.go":null}}`))
	got, ok, err := store.Load("diff/att-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Cursor != 2 || got.Kind != schema.DocumentDiff {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
}

func TestStoreRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Remove("never-saved"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	store.Saver("s", schema.DocumentConversation)(3, []byte(`{"entries":[]}`))
	if err := store.Remove("s"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := store.Load("s"); ok {
		t.Fatalf("expected checkpoint to be gone")
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "proc-1.json"), []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("proc-1"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	if _, err := NewStore("  "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
