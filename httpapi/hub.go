package httpapi

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/schema"
)

// StreamKey names one patch stream served by the hub.
type StreamKey string

// ProcessStream is the conversation stream of a process.
func ProcessStream(id schema.ProcessID) StreamKey {
	return StreamKey("conversation/" + string(id))
}

// DiffStream is the diff stream of an attempt.
func DiffStream(id schema.AttemptID) StreamKey {
	return StreamKey("diff/" + string(id))
}

// subscriberBuffer bounds the batches queued for one live subscriber. A
// subscriber that falls this far behind is evicted and must resume.
const subscriberBuffer = 256

// Hub keeps a bounded batch history per stream and fans new batches out
// to subscribers.
type Hub struct {
	mu          sync.Mutex
	streams     map[StreamKey]*streamHub
	historySize int
	bufferSize  int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 10000
	}
	return &Hub{
		streams:     make(map[StreamKey]*streamHub),
		historySize: historySize,
		bufferSize:  subscriberBuffer,
	}
}

// Publish appends a batch to a stream. Batches at or below the stream's
// last id are ignored, as are batches for finished streams. Subscribers
// whose buffer is full are evicted: their channel is closed and they catch
// up from history with Tail.
func (h *Hub) Publish(key StreamKey, batch schema.PatchBatch) bool {
	log := pslog.Ctx(context.Background()).With("stream", string(key))
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.getOrCreateLocked(key)
	if sh.finished || batch.BatchID <= sh.last {
		log.Debug("hub batch ignored", "batch_id", batch.BatchID, "last", sh.last, "finished", sh.finished)
		return false
	}
	sh.last = batch.BatchID
	sh.history = append(sh.history, batch)
	if len(sh.history) > h.historySize {
		sh.history = sh.history[len(sh.history)-h.historySize:]
	}

	evicted := 0
	for sub := range sh.subs {
		select {
		case sub <- batch:
		default:
			delete(sh.subs, sub)
			close(sub)
			evicted++
		}
	}
	if evicted > 0 {
		log.Warn("hub slow subscribers evicted", "batch_id", batch.BatchID, "evicted", evicted, "subs", len(sh.subs))
	}
	return true
}

// Finish marks a stream complete and closes every subscriber channel.
// Later subscribers learn about it from Subscribe.
func (h *Hub) Finish(key StreamKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.getOrCreateLocked(key)
	if sh.finished {
		return
	}
	sh.finished = true
	subs := len(sh.subs)
	for sub := range sh.subs {
		delete(sh.subs, sub)
		close(sub)
	}
	pslog.Ctx(context.Background()).Debug("hub stream finished", "stream", string(key), "subs", subs)
}

// Subscribe registers a subscriber and returns, atomically with the
// registration, the retained batches after the cursor and whether the
// stream is already finished. The channel is closed when the stream
// finishes or the subscriber is evicted; Tail tells the two apart.
func (h *Hub) Subscribe(key StreamKey, after uint64) (<-chan schema.PatchBatch, func(), []schema.PatchBatch, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.getOrCreateLocked(key)
	ch := make(chan schema.PatchBatch, h.bufferSize)
	finished := sh.finished
	if finished {
		close(ch)
	} else {
		sh.subs[ch] = struct{}{}
	}
	replay := sh.replayLocked(after)
	log := pslog.Ctx(context.Background()).With("stream", string(key))
	log.Info("hub subscribe", "subs", len(sh.subs), "after", after, "replay", len(replay), "finished", finished)
	unsub := func() {
		h.mu.Lock()
		delete(sh.subs, ch)
		remaining := len(sh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, replay, finished
}

// Tail returns the retained batches after the provided id together with
// whether the stream is finished.
func (h *Hub) Tail(key StreamKey, after uint64) ([]schema.PatchBatch, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.streams[key]
	if sh == nil {
		return nil, false
	}
	return sh.replayLocked(after), sh.finished
}

// Replay returns the retained batches after the provided id.
func (h *Hub) Replay(key StreamKey, after uint64) []schema.PatchBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.streams[key]
	if sh == nil {
		return nil
	}
	return sh.replayLocked(after)
}

// Known reports whether a stream has been published to or finished.
func (h *Hub) Known(key StreamKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.streams[key]
	return sh != nil && (sh.last > 0 || sh.finished)
}

func (h *Hub) getOrCreateLocked(key StreamKey) *streamHub {
	sh := h.streams[key]
	if sh == nil {
		sh = &streamHub{subs: make(map[chan schema.PatchBatch]struct{})}
		h.streams[key] = sh
	}
	return sh
}

type streamHub struct {
	last     uint64
	finished bool
	history  []schema.PatchBatch
	subs     map[chan schema.PatchBatch]struct{}
}

func (s *streamHub) replayLocked(after uint64) []schema.PatchBatch {
	out := make([]schema.PatchBatch, 0, len(s.history))
	for _, batch := range s.history {
		if batch.BatchID > after {
			out = append(out, batch)
		}
	}
	return out
}
