package httpapi

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/schema"
)

const sampleRecording = `
# setup then agent
{"process":{"id":"p1","task_attempt_id":"a1","run_reason":"codingagent","status":"running","started_at":"2026-01-02T10:00:00Z"}}
{"stream":"conversation/p1","batch_id":1,"patches":[{"op":"add","path":"/entries/0","value":{"type":"STDOUT","content":"hello"}}]}
{"stream":"diff/a1","batch_id":1,"patches":[]}
{"stream":"conversation/p1","batch_id":2,"patches":[{"op":"add","path":"/entries/1","value":{"type":"STDOUT","content":"world"}}]}
{"stream":"conversation/p1","finished":true}
`

func TestReadRecording(t *testing.T) {
	rec, err := ReadRecording(strings.NewReader(sampleRecording))
	if err != nil {
		t.Fatalf("ReadRecording: %v", err)
	}
	if len(rec.Records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(rec.Records))
	}
	if diff := cmp.Diff([]StreamKey{"conversation/p1", "diff/a1"}, rec.Streams()); diff != "" {
		t.Fatalf("streams mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRecordingRejectsInvalidLines(t *testing.T) {
	cases := map[string]string{
		"bad json":      `{"stream":`,
		"no stream":     `{"batch_id":1,"patches":[]}`,
		"zero batch id": `{"stream":"diff/a1","patches":[]}`,
		"patch object":  `{"stream":"diff/a1","batch_id":1,"patches":{}}`,
		"bad process":   `{"process":{"id":"../x"}}`,
	}
	for name, line := range cases {
		if _, err := ReadRecording(strings.NewReader(line)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := ReadRecording(strings.NewReader(`{"stream":"diff/a1","batch_id":1,"patches":{}}`))
	if !errors.Is(err, schema.ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch, got %v", err)
	}
}

func TestPlayFeedsHubAndProcesses(t *testing.T) {
	rec, err := ReadRecording(strings.NewReader(sampleRecording))
	if err != nil {
		t.Fatalf("ReadRecording: %v", err)
	}
	hub := NewHub(0)
	procs := NewProcessTable()
	if err := Play(context.Background(), rec, hub, procs, 0, true); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := procs.List("a1"); len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("unexpected processes %+v", got)
	}
	if diff := cmp.Diff([]uint64{1, 2}, batchIDs(hub.Replay(ProcessStream("p1"), 0))); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
	_, unsub, _, finished := hub.Subscribe(ProcessStream("p1"), 0)
	unsub()
	if !finished {
		t.Fatalf("expected explicit finish record to apply")
	}
	_, unsub, _, finished = hub.Subscribe(DiffStream("a1"), 0)
	unsub()
	if finished {
		t.Fatalf("expected diff stream held open")
	}
}

func TestPlayFinishesStreamsWithoutHold(t *testing.T) {
	rec, err := ReadRecording(strings.NewReader(sampleRecording))
	if err != nil {
		t.Fatalf("ReadRecording: %v", err)
	}
	hub := NewHub(0)
	if err := Play(context.Background(), rec, hub, NewProcessTable(), 0, false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	_, unsub, _, finished := hub.Subscribe(DiffStream("a1"), 0)
	unsub()
	if !finished {
		t.Fatalf("expected diff stream finished")
	}
}

func TestPlayStopsOnCancel(t *testing.T) {
	rec, err := ReadRecording(strings.NewReader(sampleRecording))
	if err != nil {
		t.Fatalf("ReadRecording: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Play(ctx, rec, NewHub(0), NewProcessTable(), 0, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
