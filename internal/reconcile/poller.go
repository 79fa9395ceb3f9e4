package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/eventbus"
	"pkt.systems/vkstream/internal/logx"
	"pkt.systems/vkstream/schema"
)

// DefaultPollInterval is used when PollerOptions.Interval is unset.
const DefaultPollInterval = time.Second

// FetchFunc performs one read of the polled document.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// PollerOptions configures a Poller.
type PollerOptions struct {
	Name     string
	Interval time.Duration
	Fetch    FetchFunc
	// Until stops polling once it reports true for a fetched document.
	Until  func(json.RawMessage) bool
	Logger pslog.Logger
}

// Poller re-fetches a document on an interval and publishes it only when it
// changed.
type Poller struct {
	opts PollerOptions
	bus  *eventbus.Bus[Snapshot]

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	state  int
}

const (
	pollIdle = iota
	pollRunning
	pollStopped
)

// NewPoller validates opts and returns an idle poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Fetch == nil {
		return nil, errors.New("poller fetch func is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	return &Poller{
		opts: opts,
		bus:  eventbus.New[Snapshot](opts.Logger, opts.Name),
		done: make(chan struct{}),
	}, nil
}

// Start begins polling. The first fetch happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case pollStopped:
		return schema.ErrStopped
	case pollRunning:
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = pollRunning
	go p.run(runCtx)
	return nil
}

// Stop cancels polling, waits for the loop to exit and closes subscribers.
// It is safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	if p.state == pollIdle {
		p.state = pollStopped
		close(p.done)
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-p.done
	}
	p.bus.Close()
}

// Done is closed once polling has ended.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Subscribe returns the snapshot channel; the latest snapshot is replayed.
func (p *Poller) Subscribe() (<-chan Snapshot, func()) {
	return p.bus.Subscribe()
}

// Current returns the latest snapshot.
func (p *Poller) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Refresh fetches once outside the interval.
func (p *Poller) Refresh(ctx context.Context) {
	p.poll(ctx, logx.WithStream(pslog.Ctx(ctx), p.opts.Name))
}

func (p *Poller) run(ctx context.Context) {
	log := logx.WithStream(pslog.Ctx(ctx), p.opts.Name)
	defer func() {
		p.mu.Lock()
		p.state = pollStopped
		p.mu.Unlock()
		close(p.done)
	}()
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if p.poll(ctx, log) {
			log.Debug("poller finished")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll fetches once and reports whether polling should end.
func (p *Poller) poll(ctx context.Context, log pslog.Logger) bool {
	data, err := p.opts.Fetch(ctx)
	if ctx.Err() != nil {
		return true
	}
	p.mu.Lock()
	prev := p.snap
	next := prev
	if err != nil {
		next.Connected = false
		if prev.Data == nil {
			next.Error = err.Error()
		}
	} else {
		next.Connected = true
		next.Error = ""
		if !bytes.Equal(compact(prev.Data), compact(data)) {
			next.Data = append(json.RawMessage(nil), data...)
		}
	}
	changed := next.Connected != prev.Connected || next.Error != prev.Error || !bytes.Equal(next.Data, prev.Data)
	p.snap = next
	p.mu.Unlock()
	if err != nil {
		log.Warn("poll failed", "err", err)
	}
	if changed {
		p.bus.Publish(next)
	}
	return err == nil && p.opts.Until != nil && p.opts.Until(next.Data)
}

func compact(raw json.RawMessage) []byte {
	if raw == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
