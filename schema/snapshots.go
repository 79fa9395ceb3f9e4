package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DocumentKind selects the shape of a reconciled document.
type DocumentKind string

const (
	// DocumentConversation is an ordered list of entries: {"entries": [...]}.
	DocumentConversation DocumentKind = "conversation"
	// DocumentDiff is a map of file path to diff entry: {"entries": {...}}.
	DocumentDiff DocumentKind = "diff"
)

// BaseDocument returns the empty document for a kind.
func BaseDocument(kind DocumentKind) ([]byte, error) {
	switch kind {
	case DocumentConversation:
		return []byte(`{"entries":[]}`), nil
	case DocumentDiff:
		return []byte(`{"entries":{}}`), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocumentKind, kind)
	}
}

// PatchBatch is one numbered bundle of JSON-Patch operations.
type PatchBatch struct {
	BatchID uint64          `json:"batch_id"`
	Patches json.RawMessage `json:"patches"`
}

// DecodePatchBatch parses the data of a `patch` stream event.
func DecodePatchBatch(data []byte) (PatchBatch, error) {
	var batch PatchBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return PatchBatch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if batch.BatchID == 0 {
		return PatchBatch{}, fmt.Errorf("%w: missing batch_id", ErrInvalidBatch)
	}
	trimmed := bytes.TrimSpace(batch.Patches)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return PatchBatch{}, fmt.Errorf("%w: patches must be an array", ErrInvalidBatch)
	}
	return batch, nil
}

// Conversation is the typed view of a conversation document. Skipped holds
// one error per entry that could not be decoded.
type Conversation struct {
	Entries []PatchValue `json:"entries"`
	Skipped []error      `json:"-"`
}

// DecodeConversation decodes a conversation document. Null entries are
// skipped; entries that fail to decode are dropped and reported in Skipped.
func DecodeConversation(raw []byte) (Conversation, error) {
	var wire struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Conversation{}, err
	}
	out := Conversation{Entries: make([]PatchValue, 0, len(wire.Entries))}
	for i, item := range wire.Entries {
		if isNull(item) {
			continue
		}
		var value PatchValue
		if err := json.Unmarshal(item, &value); err != nil {
			out.Skipped = append(out.Skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		out.Entries = append(out.Entries, value)
	}
	return out, nil
}

// DiffDocument is the typed view of a diff document.
type DiffDocument struct {
	Diffs   []Diff
	Skipped []error
}

// DecodeDiffs decodes a diff document into diffs sorted by path. Entries
// that fail to decode are dropped.
func DecodeDiffs(raw []byte) ([]Diff, error) {
	doc, err := DecodeDiffDocument(raw)
	if err != nil {
		return nil, err
	}
	return doc.Diffs, nil
}

// DecodeDiffDocument decodes a diff document, reporting dropped entries.
func DecodeDiffDocument(raw []byte) (DiffDocument, error) {
	var wire struct {
		Entries map[string]json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return DiffDocument{}, err
	}
	keys := make([]string, 0, len(wire.Entries))
	for key := range wire.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := DiffDocument{Diffs: make([]Diff, 0, len(keys))}
	for _, key := range keys {
		item := wire.Entries[key]
		if isNull(item) {
			continue
		}
		var value PatchValue
		if err := json.Unmarshal(item, &value); err != nil {
			out.Skipped = append(out.Skipped, fmt.Errorf("diff %q: %w", key, err))
			continue
		}
		if value.Diff == nil {
			continue
		}
		diff := *value.Diff
		if diff.Path() == "" {
			diff.NewFile = &FileDiffDetails{FileName: key}
		}
		out.Diffs = append(out.Diffs, diff)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
