package core

import (
	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

// ViewEvent carries a freshly derived view of the subject attempt.
type ViewEvent struct {
	AttemptID  schema.AttemptID
	Generation uint64
	Model      views.Model
}

// EventSink receives view events from a Session. Calls are made from the
// session event loop and must not block.
type EventSink interface {
	OnView(event ViewEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event ViewEvent)

// OnView calls f.
func (f EventSinkFunc) OnView(event ViewEvent) {
	f(event)
}

// Fanout delivers events to every non-nil sink in order.
type Fanout []EventSink

// OnView forwards the event.
func (f Fanout) OnView(event ViewEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnView(event)
	}
}
