package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedFetch struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	data string
	err  error
}

func (f *scriptedFetch) fetch(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return json.RawMessage(`[{"id":"p1","status":"completed"}]`), nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	if next.err != nil {
		return nil, next.err
	}
	return json.RawMessage(next.data), nil
}

func TestPollerSurfacesInitialError(t *testing.T) {
	poller, err := NewPoller(PollerOptions{
		Name:  "processes",
		Fetch: func(ctx context.Context) (json.RawMessage, error) { return nil, errors.New("backend down") },
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	poller.Refresh(context.Background())
	snap := poller.Current()
	if snap.Error != "backend down" || snap.Connected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPollerPublishesOnlyChanges(t *testing.T) {
	fetch := &scriptedFetch{results: []fetchResult{
		{data: `[{"id":"p1","status":"running"}]`},
		{data: `[ {"id":"p1", "status":"running"} ]`},
		{err: errors.New("blip")},
		{data: `[{"id":"p1","status":"completed"}]`},
	}}
	poller, err := NewPoller(PollerOptions{
		Name:     "processes",
		Interval: time.Millisecond,
		Fetch:    fetch.fetch,
		Until: func(data json.RawMessage) bool {
			var procs []struct{ Status string }
			_ = json.Unmarshal(data, &procs)
			return len(procs) == 1 && procs[0].Status == "completed"
		},
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	ch, cancel := poller.Subscribe()
	defer cancel()
	_ = poller.Start(context.Background())

	select {
	case <-poller.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop after Until")
	}
	snap := poller.Current()
	if !snap.Connected || snap.Error != "" {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
	if string(snap.Data) != `[{"id":"p1","status":"completed"}]` {
		t.Fatalf("unexpected final data %s", snap.Data)
	}
	if fetch.calls != 4 {
		t.Fatalf("expected 4 fetches, got %d", fetch.calls)
	}
	last := <-ch
	if string(last.Data) != string(snap.Data) {
		t.Fatalf("subscriber did not receive latest snapshot")
	}
	poller.Stop()
	poller.Stop()
}

func TestPollerStopBeforeStart(t *testing.T) {
	poller, err := NewPoller(PollerOptions{Fetch: (&scriptedFetch{}).fetch})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	poller.Stop()
	poller.Stop()
	<-poller.Done()
	if err := poller.Start(context.Background()); err == nil {
		t.Fatalf("expected error starting a stopped poller")
	}
}
