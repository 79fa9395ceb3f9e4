// Package patchstream consumes resumable JSON-Patch event streams.
package patchstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/logx"
	"pkt.systems/vkstream/internal/metrics"
	"pkt.systems/vkstream/schema"
)

const (
	// EventPatch names the stream event carrying a patch batch.
	EventPatch = "patch"
	// EventFinished names the stream event that ends a stream for good.
	EventFinished = "finished"

	// ResumeParam is the query parameter carrying the cursor on reconnect.
	ResumeParam = "since_batch_id"

	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
)

var errUnexpectedClose = errors.New("stream closed by server")

// State is the lifecycle state of a Client.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota
	// StateConnecting means a connection is being dialed.
	StateConnecting
	// StateOpen means the connection is established.
	StateOpen
	// StateBackoff means a reconnect is scheduled.
	StateBackoff
	// StateStopped means the client will not connect again.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler receives the ordered, de-duplicated batches of a stream.
// Calls are made serially from the client goroutine.
type Handler interface {
	// ApplyBatch applies a batch. A non-nil error rolls the cursor back so
	// the batch id can be recovered by a later resync.
	ApplyBatch(ctx context.Context, batch schema.PatchBatch) error
	// SetConnected reports connection state changes.
	SetConnected(ctx context.Context, connected bool)
}

// Options configures a Client.
type Options struct {
	// Name labels logs and metrics, for example "conversation:<process>".
	Name    string
	URL     string
	Dialer  Dialer
	Handler Handler
	// Running reports whether the subject resource is still running.
	// Reconnects stop once it returns false. Nil means always running.
	Running        func() bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Cursor resumes from a previously applied batch id.
	Cursor  uint64
	Metrics *metrics.Metrics
}

// Client is a single resumable stream subscription. It is constructed per
// subscription and torn down with Stop.
type Client struct {
	opts Options

	mu      sync.Mutex
	state   State
	cursor  uint64
	attempt int
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates opts and returns an idle client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: stream url is required", schema.ErrInvalidRequest)
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("%w: stream url: %v", schema.ErrInvalidRequest, err)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("%w: stream handler is required", schema.ErrInvalidRequest)
	}
	if opts.Dialer == nil {
		opts.Dialer = HTTPDialer{}
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Client{opts: opts, cursor: opts.Cursor, done: make(chan struct{})}, nil
}

// Start launches the connection loop. Calling Start on a running client is a
// no-op; a stopped client cannot be restarted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStopped:
		return schema.ErrStopped
	case StateIdle:
	default:
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(runCtx)
	return nil
}

// Stop aborts the in-flight connection and any pending reconnect timer and
// waits for the loop to exit. It is safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	if cancel == nil {
		if c.state == StateIdle {
			c.state = StateStopped
			close(c.done)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cancel()
	<-c.done
}

// Done is closed once the client will not connect again.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Cursor returns the highest applied batch id.
func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Attempt returns the number of consecutive failed connections.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomePhantom
	outcomeFinished
)

func (c *Client) run(ctx context.Context) {
	log := logx.WithStream(pslog.Ctx(ctx), c.opts.Name)
	defer func() {
		c.setState(StateStopped)
		c.opts.Metrics.Forget(c.opts.Name)
		close(c.done)
	}()
	bo := newBackOff(c.opts.InitialBackoff, c.opts.MaxBackoff)
	for {
		c.setState(StateConnecting)
		result, err := c.connect(ctx, log, bo)
		if ctx.Err() != nil {
			log.Debug("stream stopped")
			return
		}
		switch result {
		case outcomeFinished:
			log.Debug("stream finished", "cursor", c.Cursor())
			return
		case outcomePhantom:
			continue
		}
		if !c.running() {
			log.Debug("stream subject not running; no reconnect", "err", err)
			return
		}
		delay := bo.NextBackOff()
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.state = StateBackoff
		c.mu.Unlock()
		c.opts.Metrics.Reconnect(c.opts.Name)
		log.Info("stream reconnect scheduled", "attempt", attempt, "delay", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("stream stopped")
			return
		case <-timer.C:
		}
	}
}

func (c *Client) connect(ctx context.Context, log pslog.Logger, bo backoff.BackOff) (outcome, error) {
	target, err := c.streamURL()
	if err != nil {
		return outcomeFailed, err
	}
	log.Debug("stream dial", "url", target)
	conn, err := c.opts.Dialer.Dial(ctx, target)
	if err != nil {
		return outcomeFailed, err
	}
	defer func() { _ = conn.Close() }()
	opened := false
	defer func() {
		if opened {
			c.opts.Metrics.SetConnected(c.opts.Name, false)
			c.opts.Handler.SetConnected(ctx, false)
		}
	}()
	for {
		event, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errUnexpectedClose
			}
			return outcomeFailed, err
		}
		switch event.Kind {
		case EventOpen:
			if opened {
				c.opts.Metrics.PhantomOpen(c.opts.Name)
				log.Warn("stream duplicate open; restarting connection")
				return outcomePhantom, nil
			}
			opened = true
			c.mu.Lock()
			c.attempt = 0
			c.state = StateOpen
			c.mu.Unlock()
			bo.Reset()
			c.opts.Metrics.SetConnected(c.opts.Name, true)
			log.Info("stream connected", "cursor", c.Cursor())
			c.opts.Handler.SetConnected(ctx, true)
		case EventMessage:
			switch event.Name {
			case EventPatch:
				c.deliver(ctx, log, event.Data)
			case EventFinished:
				return outcomeFinished, nil
			default:
				log.Trace("stream event ignored", "event", event.Name)
			}
		}
	}
}

func (c *Client) deliver(ctx context.Context, log pslog.Logger, data []byte) {
	batch, err := decodeBatch(data)
	if err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			raw := string(decodeErr.Data())
			preview := previewText(raw, 200)
			log.Warn("patch decode failed", "preview", preview, "truncated", len(preview) < len(raw), "err", err)
		}
		c.opts.Metrics.ParseError(c.opts.Name)
		return
	}
	c.mu.Lock()
	prev := c.cursor
	if batch.BatchID <= prev {
		c.mu.Unlock()
		c.opts.Metrics.BatchDuplicate(c.opts.Name)
		log.Trace("patch batch duplicate", "batch", batch.BatchID, "cursor", prev)
		return
	}
	c.cursor = batch.BatchID
	c.mu.Unlock()
	if err := c.opts.Handler.ApplyBatch(ctx, batch); err != nil {
		c.mu.Lock()
		if c.cursor == batch.BatchID {
			c.cursor = prev
		}
		c.mu.Unlock()
		log.Warn("patch batch rejected", "batch", batch.BatchID, "cursor", prev, "err", err)
		return
	}
	log.Trace("patch batch applied", "batch", batch.BatchID)
}

func (c *Client) running() bool {
	if c.opts.Running == nil {
		return true
	}
	return c.opts.Running()
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) streamURL() (string, error) {
	return ResumeURL(c.opts.URL, c.Cursor())
}

// ResumeURL adds the resume parameter to raw when cursor is non-zero.
func ResumeURL(raw string, cursor uint64) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	if cursor > 0 {
		query.Set(ResumeParam, strconv.FormatUint(cursor, 10))
	} else {
		query.Del(ResumeParam)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// newBackOff returns the reconnect policy min(initial * 2^attempt, max)
// without jitter and without an elapsed-time limit.
func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func previewText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
