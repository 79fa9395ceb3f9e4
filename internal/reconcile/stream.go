package reconcile

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/eventbus"
	"pkt.systems/vkstream/internal/metrics"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/schema"
)

// CheckpointFunc receives the cursor and unfiltered document after every
// applied batch.
type CheckpointFunc func(cursor uint64, document []byte)

// StreamOptions configures a Stream.
type StreamOptions struct {
	Name           string
	Kind           schema.DocumentKind
	URL            string
	Dialer         patchstream.Dialer
	Running        func() bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ResumeCursor and ResumeDocument restore a checkpoint.
	ResumeCursor   uint64
	ResumeDocument []byte
	Checkpoint     CheckpointFunc
	Metrics        *metrics.Metrics
	Logger         pslog.Logger
}

// Stream reconciles one patch stream into published snapshots.
type Stream struct {
	name       string
	rec        *Reconciler
	client     *patchstream.Client
	bus        *eventbus.Bus[Snapshot]
	checkpoint CheckpointFunc

	mu   sync.Mutex
	snap Snapshot
}

// NewStream wires a patch stream client to a reconciler.
func NewStream(opts StreamOptions) (*Stream, error) {
	rec, err := NewReconciler(opts.Kind, opts.Name, opts.Metrics)
	if err != nil {
		return nil, err
	}
	cursor := opts.ResumeCursor
	if len(opts.ResumeDocument) > 0 {
		if err := rec.Seed(opts.ResumeDocument); err != nil {
			return nil, err
		}
	} else {
		cursor = 0
	}
	s := &Stream{
		name:       opts.Name,
		rec:        rec,
		bus:        eventbus.New[Snapshot](opts.Logger, opts.Name),
		checkpoint: opts.Checkpoint,
	}
	client, err := patchstream.New(patchstream.Options{
		Name:           opts.Name,
		URL:            opts.URL,
		Dialer:         opts.Dialer,
		Handler:        streamHandler{s},
		Running:        opts.Running,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		Cursor:         cursor,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	if doc := rec.Document(); doc != nil {
		s.snap = Snapshot{Data: doc, Cursor: cursor}
		s.bus.Publish(s.snap)
	}
	return s, nil
}

// Start opens the stream.
func (s *Stream) Start(ctx context.Context) error {
	return s.client.Start(ctx)
}

// Stop closes the stream and its subscriber channels.
func (s *Stream) Stop() {
	s.client.Stop()
	s.bus.Close()
}

// Done is closed once the stream will not reconnect.
func (s *Stream) Done() <-chan struct{} {
	return s.client.Done()
}

// Subscribe returns the snapshot channel; the latest snapshot is replayed.
func (s *Stream) Subscribe() (<-chan Snapshot, func()) {
	return s.bus.Subscribe()
}

// Current returns the latest snapshot.
func (s *Stream) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Cursor returns the highest applied batch id.
func (s *Stream) Cursor() uint64 {
	return s.client.Cursor()
}

// Failures returns the reconciler's total and consecutive failure counts.
func (s *Stream) Failures() (int, int) {
	return s.rec.Failures()
}

func (s *Stream) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	snap := s.snap
	s.mu.Unlock()
	s.bus.Publish(snap)
}

type streamHandler struct {
	s *Stream
}

func (h streamHandler) ApplyBatch(ctx context.Context, batch schema.PatchBatch) error {
	doc, changed, err := h.s.rec.Apply(ctx, batch)
	if err != nil {
		return err
	}
	if h.s.checkpoint != nil {
		h.s.checkpoint(batch.BatchID, h.s.rec.Raw())
	}
	if changed {
		h.s.update(func(snap *Snapshot) {
			snap.Data = doc
			snap.Cursor = batch.BatchID
		})
	}
	return nil
}

func (h streamHandler) SetConnected(_ context.Context, connected bool) {
	h.s.update(func(snap *Snapshot) {
		snap.Connected = connected
		if snap.Data == nil {
			snap.Data = h.s.rec.Document()
		}
	})
}
