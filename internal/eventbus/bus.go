// Package eventbus fans snapshots out to subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// Bus fans values out to subscribers. Delivery never blocks the publisher:
// each subscriber holds at most depth pending values and, when full, the
// oldest pending value is replaced so the newest one always arrives. New
// subscribers immediately receive the latest published value.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	latest T
	has    bool
	closed bool
	log    pslog.Logger
	name   string
	depth  int
}

// New constructs a Bus with one pending value per subscriber.
func New[T any](logger pslog.Logger, name string) *Bus[T] {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus[T]{
		subs:  make(map[chan T]struct{}),
		log:   logger,
		name:  name,
		depth: 1,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
// The channel is closed by cancel or by Close.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan T, b.depth)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.has {
		ch <- b.latest
	}
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "bus", b.name, "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe", "bus", b.name)
		})
	}
}

// Publish records value as the latest and delivers it to every subscriber.
func (b *Bus[T]) Publish(value T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = value
	b.has = true
	replaced := 0
	for sub := range b.subs {
		select {
		case sub <- value:
			continue
		default:
		}
		select {
		case <-sub:
			replaced++
		default:
		}
		select {
		case sub <- value:
		default:
		}
	}
	if replaced > 0 {
		b.log.Trace("eventbus conflated", "bus", b.name, "count", replaced)
	}
}

// Latest returns the most recently published value.
func (b *Bus[T]) Latest() (T, bool) {
	var zero T
	if b == nil {
		return zero, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.has {
		return zero, false
	}
	return b.latest, true
}

// Subscribers returns the number of active subscribers.
func (b *Bus[T]) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}
