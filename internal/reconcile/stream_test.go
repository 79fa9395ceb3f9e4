package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/schema"
)

type fakeConn struct {
	events []patchstream.Event
}

func (c *fakeConn) Next(ctx context.Context) (patchstream.Event, error) {
	if len(c.events) == 0 {
		return patchstream.Event{}, io.EOF
	}
	next := c.events[0]
	c.events = c.events[1:]
	return next, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (patchstream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func patchEvent(data string) patchstream.Event {
	return patchstream.Event{Kind: patchstream.EventMessage, Name: patchstream.EventPatch, Data: []byte(data)}
}

func addEvent(id uint64, text string) patchstream.Event {
	return patchEvent(fmt.Sprintf(`{"batch_id":%d,"patches":[{"op":"add","path":"/entries/-","value":{"type":"STDOUT","content":%q}}]}`, id, text))
}

func waitStream(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not finish")
	}
}

func TestStreamDuplicateAndOutOfRangeScenario(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{{events: []patchstream.Event{
		{Kind: patchstream.EventOpen},
		addEvent(1, "hello"),
		addEvent(1, "hello"),
		addEvent(2, "world"),
		patchEvent(`{"batch_id":3,"patches":[{"op":"replace","path":"/entries/99","value":"x"}]}`),
		{Kind: patchstream.EventMessage, Name: patchstream.EventFinished},
	}}}}
	var checkpoints []uint64
	stream, err := NewStream(StreamOptions{
		Name:       "conversation:p1",
		Kind:       schema.DocumentConversation,
		URL:        "http://example.test/api/execution-processes/p1/normalized-logs",
		Dialer:     dialer,
		Checkpoint: func(cursor uint64, _ []byte) { checkpoints = append(checkpoints, cursor) },
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStream(t, stream)
	defer stream.Stop()

	snap := stream.Current()
	if diff := cmp.Diff([]string{"hello", "world"}, stdoutTexts(t, snap.Data)); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
	if stream.Cursor() != 2 {
		t.Fatalf("expected cursor 2, got %d", stream.Cursor())
	}
	if snap.Connected {
		t.Fatalf("expected disconnected after finished")
	}
	if total, _ := stream.Failures(); total != 1 {
		t.Fatalf("expected one failure, got %d", total)
	}
	if diff := cmp.Diff([]uint64{1, 2}, checkpoints); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamResumeFromCheckpoint(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{{events: []patchstream.Event{
		{Kind: patchstream.EventOpen},
		addEvent(5, "world"),
		{Kind: patchstream.EventMessage, Name: patchstream.EventFinished},
	}}}}
	stream, err := NewStream(StreamOptions{
		Name:           "conversation:p1",
		Kind:           schema.DocumentConversation,
		URL:            "http://example.test/logs",
		Dialer:         dialer,
		ResumeCursor:   4,
		ResumeDocument: []byte(`{"entries":[{"type":"STDOUT","content":"hello"}]}`),
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	ch, cancel := stream.Subscribe()
	defer cancel()
	first := <-ch
	if diff := cmp.Diff([]string{"hello"}, stdoutTexts(t, first.Data)); diff != "" {
		t.Fatalf("seeded snapshot mismatch (-want +got):\n%s", diff)
	}

	_ = stream.Start(context.Background())
	waitStream(t, stream)
	defer stream.Stop()

	if dialer.urls[0] != "http://example.test/logs?since_batch_id=4" {
		t.Fatalf("expected resume url, got %s", dialer.urls[0])
	}
	if diff := cmp.Diff([]string{"hello", "world"}, stdoutTexts(t, stream.Current().Data)); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamPublishesConnectionState(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{{events: []patchstream.Event{
		{Kind: patchstream.EventOpen},
		addEvent(1, "hello"),
		{Kind: patchstream.EventMessage, Name: patchstream.EventFinished},
	}}}}
	stream, err := NewStream(StreamOptions{
		Name:   "conversation:p1",
		Kind:   schema.DocumentConversation,
		URL:    "http://example.test/logs",
		Dialer: dialer,
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	ch, cancel := stream.Subscribe()
	defer cancel()
	_ = stream.Start(context.Background())

	var sawConnected bool
	deadline := time.After(2 * time.Second)
	for !sawConnected {
		select {
		case snap := <-ch:
			if snap.Connected {
				sawConnected = true
			}
		case <-stream.Done():
			// The conflating bus may skip intermediate states.
			sawConnected = true
		case <-deadline:
			t.Fatalf("timed out waiting for snapshots")
		}
	}
	stream.Stop()
	stream.Stop()
}
