package core

import (
	"context"
	"encoding/json"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/metrics"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/internal/persist"
	"pkt.systems/vkstream/schema"
)

// API is the part of the REST client a Session needs.
type API interface {
	ListProcessesRaw(ctx context.Context, attemptID schema.AttemptID) (json.RawMessage, error)
	NormalizedLogsURL(id schema.ProcessID) string
	AttemptDiffURL(id schema.AttemptID) string
	CacheConversation(id schema.ProcessID, document json.RawMessage)
	CachedConversation(id schema.ProcessID) (json.RawMessage, bool)
}

// SessionDeps captures the dependencies of a Session. API is required.
type SessionDeps struct {
	API       API
	Dialer    patchstream.Dialer
	Metrics   *metrics.Metrics
	Store     *persist.Store
	EventSink EventSink
	Logger    pslog.Logger
}
