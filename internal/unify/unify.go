// Package unify merges per-process entry lists into one time-ordered log.
package unify

import (
	"sort"
	"strings"
	"time"

	"pkt.systems/vkstream/schema"
)

// Included reports whether a process belongs in the unified log.
// Background dev servers never do.
func Included(proc schema.ExecutionProcess) bool {
	return proc.RunReason != schema.RunReasonDevServer
}

// Unifier holds the latest process list and per-process entries and
// re-merges them from scratch on every call to Entries. It is not safe for
// concurrent use.
type Unifier struct {
	processes []schema.ExecutionProcess
	entries   map[schema.ProcessID][]schema.PatchValue
}

// New returns an empty Unifier.
func New() *Unifier {
	return &Unifier{entries: make(map[schema.ProcessID][]schema.PatchValue)}
}

// SetProcesses replaces the process list. Entries of processes that are no
// longer listed are dropped.
func (u *Unifier) SetProcesses(procs []schema.ExecutionProcess) {
	u.processes = append(u.processes[:0:0], procs...)
	known := make(map[schema.ProcessID]struct{}, len(procs))
	for _, proc := range procs {
		known[proc.ID] = struct{}{}
	}
	for id := range u.entries {
		if _, ok := known[id]; !ok {
			delete(u.entries, id)
		}
	}
}

// Replace swaps the whole entry list of one process.
func (u *Unifier) Replace(id schema.ProcessID, values []schema.PatchValue) {
	if values == nil {
		delete(u.entries, id)
		return
	}
	u.entries[id] = values
}

// Has reports whether entries are held for the process.
func (u *Unifier) Has(id schema.ProcessID) bool {
	_, ok := u.entries[id]
	return ok
}

// Reset drops all processes and entries.
func (u *Unifier) Reset() {
	u.processes = nil
	u.entries = make(map[schema.ProcessID][]schema.PatchValue)
}

// Entries merges the current inputs.
func (u *Unifier) Entries() []schema.LogEntry {
	return Merge(u.processes, u.entries)
}

// Merge produces the unified log. Each included process contributes a
// process_start marker at its start time followed by its entries in source
// order. Entries without a timestamp inherit the latest timestamp seen in
// their process, and no entry is placed before an earlier entry of the same
// process. Across processes entries are ordered by (timestamp, process id).
func Merge(procs []schema.ExecutionProcess, entries map[schema.ProcessID][]schema.PatchValue) []schema.LogEntry {
	included := make([]schema.ExecutionProcess, 0, len(procs))
	seen := make(map[schema.ProcessID]struct{}, len(procs))
	for _, proc := range procs {
		if !Included(proc) {
			continue
		}
		if _, dup := seen[proc.ID]; dup {
			continue
		}
		seen[proc.ID] = struct{}{}
		included = append(included, proc)
	}
	sort.SliceStable(included, func(i, j int) bool {
		return included[i].StartedBefore(included[j])
	})

	total := 0
	for _, proc := range included {
		total += 1 + len(entries[proc.ID])
	}
	out := make([]schema.LogEntry, 0, total)
	for _, proc := range included {
		latest := proc.StartedAt
		out = append(out, schema.LogEntry{
			ProcessID: proc.ID,
			Channel:   schema.ChannelProcessStart,
			Sequence:  0,
			Timestamp: latest,
		})
		for i, value := range entries[proc.ID] {
			if ts, ok := entryTime(value); ok && ts.After(latest) {
				latest = ts
			}
			out = append(out, schema.LogEntry{
				ProcessID: proc.ID,
				Channel:   schema.ChannelFor(value),
				Sequence:  i + 1,
				Timestamp: latest,
				Payload:   value,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ProcessID != b.ProcessID {
			return a.ProcessID < b.ProcessID
		}
		return a.Sequence < b.Sequence
	})
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func entryTime(value schema.PatchValue) (time.Time, bool) {
	if value.Entry == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(value.Entry.Timestamp)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
