package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/internal/apiclient"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/internal/reconcile"
	"pkt.systems/vkstream/schema"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func stdoutBatch(id uint64, index int, text string) schema.PatchBatch {
	value, _ := json.Marshal(schema.PatchValue{Type: schema.ValueStdout, Text: text})
	op, _ := json.Marshal([]map[string]any{{
		"op":    "add",
		"path":  "/entries/" + strconv.Itoa(index),
		"value": json.RawMessage(value),
	}})
	return schema.PatchBatch{BatchID: id, Patches: op}
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *Hub, *ProcessTable) {
	t.Helper()
	hub := NewHub(0)
	started := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	procs := NewProcessTable(
		schema.ExecutionProcess{ID: "p2", TaskAttemptID: "a1", RunReason: schema.RunReasonCodingAgent, Status: schema.StatusRunning, StartedAt: started.Add(time.Minute)},
		schema.ExecutionProcess{ID: "p1", TaskAttemptID: "a1", RunReason: schema.RunReasonSetupScript, Status: schema.StatusCompleted, StartedAt: started},
		schema.ExecutionProcess{ID: "p9", TaskAttemptID: "other", RunReason: schema.RunReasonCodingAgent, Status: schema.StatusRunning, StartedAt: started},
	)
	srv := httptest.NewServer(NewServer(cfg, hub, procs).Handler())
	t.Cleanup(srv.Close)
	return srv, hub, procs
}

func TestListProcessesThroughClient(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	client, err := apiclient.New(apiclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	procs, err := client.ListProcesses(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	var ids []schema.ProcessID
	for _, p := range procs {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]schema.ProcessID{"p1", "p2"}, ids); diff != "" {
		t.Fatalf("process ids mismatch (-want +got):\n%s", diff)
	}
	proc, err := client.GetProcess(context.Background(), "p2")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if proc.Status != schema.StatusRunning {
		t.Fatalf("expected running status, got %q", proc.Status)
	}
	if _, err := client.GetProcess(context.Background(), "missing"); !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListProcessesRequiresAttempt(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/api/execution-processes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if _, err := schema.DecodeAPIResponse[json.RawMessage](body); !errors.Is(err, schema.ErrRequestFailed) {
		t.Fatalf("expected failure envelope, got %v", err)
	}
}

func TestStreamResumesAfterCursor(t *testing.T) {
	srv, hub, _ := newTestServer(t, Config{})
	key := ProcessStream("p1")
	hub.Publish(key, stdoutBatch(1, 0, "one"))
	hub.Publish(key, stdoutBatch(2, 1, "two"))
	hub.Finish(key)

	resp, err := http.Get(srv.URL + "/api/execution-processes/p1/normalized-logs?" + patchstream.ResumeParam + "=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	if strings.Contains(text, `"batch_id":1,`) {
		t.Fatalf("batch 1 should not be replayed:\n%s", text)
	}
	if !strings.Contains(text, "event: patch\nid: 2\n") {
		t.Fatalf("expected batch 2:\n%s", text)
	}
	if !strings.HasSuffix(text, "event: finished\ndata: {}\n\n") {
		t.Fatalf("expected finished event last:\n%s", text)
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	srv, hub, _ := newTestServer(t, Config{})
	key := DiffStream("a1")
	hub.Publish(key, schema.PatchBatch{BatchID: 1, Patches: json.RawMessage(`[]`)})
	hub.Publish(key, schema.PatchBatch{BatchID: 2, Patches: json.RawMessage(`[]`)})
	hub.Finish(key)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/task-attempts/a1/diff", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "event: patch") {
		t.Fatalf("expected no patches after cursor 2:\n%s", body)
	}
}

func TestStreamUnknownProcess(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/api/execution-processes/nope/normalized-logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestBasePathPrefixesRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{BasePath: "vk/"})
	client, err := apiclient.New(apiclient.Options{BaseURL: srv.URL + "/vk"})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	if _, err := client.ListProcesses(context.Background(), "a1"); err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	resp, err := http.Get(srv.URL + "/api/execution-processes?task_attempt_id=a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", resp.StatusCode)
	}
}

func TestReconcileStreamAgainstServer(t *testing.T) {
	srv, hub, _ := newTestServer(t, Config{})
	client, err := apiclient.New(apiclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	key := ProcessStream("p2")
	hub.Publish(key, stdoutBatch(1, 0, "hello"))

	stream, err := reconcile.NewStream(reconcile.StreamOptions{
		Name:           string(key),
		Kind:           schema.DocumentConversation,
		URL:            client.NormalizedLogsURL("p2"),
		Dialer:         patchstream.HTTPDialer{Client: client.StreamHTTPClient()},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(key, stdoutBatch(2, 1, "world"))
		hub.Finish(key)
	}()

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for stream to finish")
	}
	conv, err := schema.DecodeConversation(stream.Current().Data)
	if err != nil {
		t.Fatalf("DecodeConversation: %v", err)
	}
	var lines []string
	for _, value := range conv.Entries {
		lines = append(lines, value.Text)
	}
	if diff := cmp.Diff([]string{"hello", "world"}, lines); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if stream.Cursor() != 2 {
		t.Fatalf("expected cursor 2, got %d", stream.Cursor())
	}
}
