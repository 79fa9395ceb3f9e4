package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/schema"
)

func writeEnvelope[T any](t *testing.T, w http.ResponseWriter, status int, env schema.APIResponse[T]) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		t.Errorf("encode: %v", err)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Options{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestListProcesses(t *testing.T) {
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	want := []schema.ExecutionProcess{
		{ID: "p1", TaskAttemptID: "a1", RunReason: schema.RunReasonSetupScript, Status: schema.StatusCompleted, StartedAt: started},
		{ID: "p2", TaskAttemptID: "a1", RunReason: schema.RunReasonCodingAgent, Status: schema.StatusRunning, StartedAt: started.Add(time.Second)},
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execution-processes" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("task_attempt_id"); got != "a1" {
			t.Errorf("unexpected attempt id %q", got)
		}
		writeEnvelope(t, w, http.StatusOK, schema.OK(want))
	}))
	got, err := client.ListProcesses(context.Background(), "a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("processes mismatch (-want +got):\n%s", diff)
	}
}

func TestListProcessesRejectsInvalidAttempt(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	_, err := client.ListProcesses(context.Background(), "../etc")
	if !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestGetProcessFailureEnvelope(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusInternalServerError, schema.Failure[schema.ExecutionProcess]("database unavailable"))
	}))
	_, err := client.GetProcess(context.Background(), "p1")
	if !errors.Is(err, schema.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "database unavailable") || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestGetProcessNotFound(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	_, err := client.GetProcess(context.Background(), "missing")
	if !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStreamURLs(t *testing.T) {
	client, err := New(Options{
		BaseURL: "http://localhost:3000/base",
		Paths:   Paths{AttemptDiff: "/v2/attempts/{id}/diff/stream"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got, want := client.NormalizedLogsURL("p 1"), "http://localhost:3000/base/api/execution-processes/p%201/normalized-logs"; got != want {
		t.Fatalf("logs url: want %q got %q", want, got)
	}
	if got, want := client.AttemptDiffURL("a1"), "http://localhost:3000/base/v2/attempts/a1/diff/stream"; got != want {
		t.Fatalf("diff url: want %q got %q", want, got)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "://bad"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestConversationCacheEvictsOldest(t *testing.T) {
	client, err := New(Options{BaseURL: "http://localhost", CacheSize: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.CacheConversation("p1", json.RawMessage(`{"entries":[1]}`))
	client.CacheConversation("p2", json.RawMessage(`{"entries":[2]}`))
	client.CacheConversation("p3", json.RawMessage(`{"entries":[3]}`))
	client.CacheConversation("p4", nil)
	if _, ok := client.CachedConversation("p1"); ok {
		t.Fatalf("expected p1 to be evicted")
	}
	got, ok := client.CachedConversation("p3")
	if !ok || string(got) != `{"entries":[3]}` {
		t.Fatalf("unexpected cached p3: %s %v", got, ok)
	}
	if _, ok := client.CachedConversation("p4"); ok {
		t.Fatalf("empty documents should not be cached")
	}
}

func TestStreamClientOutlivesRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: patch\nid: 1\ndata: {\"batch_id\":1,\"patches\":[]}\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	const timeout = 100 * time.Millisecond
	client, err := New(Options{BaseURL: srv.URL, Timeout: timeout})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.HTTPClient().Timeout != timeout {
		t.Fatalf("expected REST timeout %v, got %v", timeout, client.HTTPClient().Timeout)
	}
	if client.StreamHTTPClient().Timeout != 0 {
		t.Fatalf("expected no overall timeout on stream client, got %v", client.StreamHTTPClient().Timeout)
	}

	ctx := context.Background()
	conn, err := patchstream.HTTPDialer{Client: client.StreamHTTPClient()}.Dial(ctx, srv.URL+"/stream")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	for i := 0; i < 2; i++ {
		if _, err := conn.Next(ctx); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}

	idle := make(chan error, 1)
	go func() {
		_, err := conn.Next(ctx)
		idle <- err
	}()
	select {
	case err := <-idle:
		t.Fatalf("idle stream ended before %v: %v", 4*timeout, err)
	case <-time.After(4 * timeout):
	}
}
