// Package reconcile turns patch batches into published document snapshots.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/metrics"
	"pkt.systems/vkstream/schema"
)

// Reconciler owns one reconciled document. The working document is kept as
// immutable JSON bytes; every successful batch produces new bytes.
type Reconciler struct {
	kind    schema.DocumentKind
	name    string
	metrics *metrics.Metrics

	mu          sync.Mutex
	doc         []byte
	published   []byte
	failures    int
	consecutive int
}

// NewReconciler returns a reconciler for documents of kind.
func NewReconciler(kind schema.DocumentKind, name string, m *metrics.Metrics) (*Reconciler, error) {
	if _, err := schema.BaseDocument(kind); err != nil {
		return nil, err
	}
	return &Reconciler{kind: kind, name: name, metrics: m}, nil
}

// Kind returns the document kind.
func (r *Reconciler) Kind() schema.DocumentKind {
	return r.kind
}

// Seed replaces the working document, for example from a checkpoint.
// The seed is validated and filtered like a patched document.
func (r *Reconciler) Seed(doc []byte) error {
	filtered, err := filterDocument(doc)
	if err != nil {
		return fmt.Errorf("%w: seed: %v", schema.ErrInvalidBatch, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = append([]byte(nil), doc...)
	r.published = append([]byte(nil), filtered...)
	r.consecutive = 0
	return nil
}

// Apply applies batch against a copy of the working document. On success
// the copy replaces the document and, when the filtered result differs
// structurally from the last published one, it is returned with changed set.
// On failure the previous document is kept and an error wrapping
// schema.ErrPatchFailed is returned.
func (r *Reconciler) Apply(ctx context.Context, batch schema.PatchBatch) ([]byte, bool, error) {
	log := pslog.Ctx(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.doc
	if current == nil {
		base, err := schema.BaseDocument(r.kind)
		if err != nil {
			return nil, false, err
		}
		current = base
	}
	next, err := applyPatch(current, batch.Patches)
	if err != nil {
		r.failures++
		r.consecutive++
		r.metrics.BatchFailed(r.name)
		log.Warn("patch apply failed", "batch", batch.BatchID, "failures", r.failures, "consecutive", r.consecutive, "err", err)
		return nil, false, fmt.Errorf("%w: batch %d: %v", schema.ErrPatchFailed, batch.BatchID, err)
	}
	filtered, err := filterDocument(next)
	if err != nil {
		r.failures++
		r.consecutive++
		r.metrics.BatchFailed(r.name)
		log.Warn("patch produced invalid document", "batch", batch.BatchID, "err", err)
		return nil, false, fmt.Errorf("%w: batch %d: %v", schema.ErrPatchFailed, batch.BatchID, err)
	}
	r.doc = next
	r.consecutive = 0
	r.metrics.BatchApplied(r.name)
	if r.published != nil && jsonpatch.Equal(r.published, filtered) {
		log.Trace("patch produced no change", "batch", batch.BatchID)
		return r.published, false, nil
	}
	r.published = filtered
	r.metrics.Published(r.name)
	return filtered, true, nil
}

// Document returns the last published document, or nil before the first
// successful batch. The returned bytes must not be modified.
func (r *Reconciler) Document() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// Raw returns the unfiltered working document used for checkpoints.
func (r *Reconciler) Raw() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

// Failures returns the total and consecutive failure counts.
func (r *Reconciler) Failures() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures, r.consecutive
}

func applyPatch(doc []byte, raw json.RawMessage) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("patch panicked: %v", rec)
		}
	}()
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, err
	}
	return patch.Apply(doc)
}

// filterDocument drops null and empty-object entries from the document's
// "entries" array or map. The input is not modified.
func filterDocument(doc []byte) ([]byte, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, err
	}
	entries, ok := top["entries"]
	if !ok {
		return doc, nil
	}
	trimmed := bytes.TrimSpace(entries)
	if len(trimmed) == 0 {
		return doc, nil
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		kept := make([]json.RawMessage, 0, len(list))
		for _, item := range list {
			if isArtifact(item) {
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == len(list) {
			return doc, nil
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			return nil, err
		}
		top["entries"] = encoded
	case '{':
		var set map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &set); err != nil {
			return nil, err
		}
		removed := false
		for key, item := range set {
			if isArtifact(item) {
				delete(set, key)
				removed = true
			}
		}
		if !removed {
			return doc, nil
		}
		encoded, err := json.Marshal(set)
		if err != nil {
			return nil, err
		}
		top["entries"] = encoded
	default:
		return doc, nil
	}
	return json.Marshal(top)
}

func isArtifact(item json.RawMessage) bool {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	return len(probe) == 0
}
