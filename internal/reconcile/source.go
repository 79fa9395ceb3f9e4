package reconcile

import (
	"context"
	"encoding/json"
)

// Snapshot is one emission of a document subscription. Data is shared
// between subscribers and must be treated as read-only.
type Snapshot struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Connected bool            `json:"connected"`
	Error     string          `json:"error,omitempty"`
	Cursor    uint64          `json:"cursor,omitempty"`
}

// Source yields document snapshots regardless of whether the document is
// pushed over a patch stream or re-fetched by polling.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe() (<-chan Snapshot, func())
	Current() Snapshot
	Done() <-chan struct{}
}

var (
	_ Source = (*Stream)(nil)
	_ Source = (*Poller)(nil)
)
