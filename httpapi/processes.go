package httpapi

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"pkt.systems/vkstream/schema"
)

// ProcessTable holds the execution process records served by the REST
// endpoints.
type ProcessTable struct {
	mu    sync.RWMutex
	procs map[schema.ProcessID]schema.ExecutionProcess
}

// NewProcessTable returns a table seeded with procs.
func NewProcessTable(procs ...schema.ExecutionProcess) *ProcessTable {
	t := &ProcessTable{procs: make(map[schema.ProcessID]schema.ExecutionProcess)}
	for _, p := range procs {
		t.Upsert(p)
	}
	return t
}

// Upsert inserts or replaces a process record.
func (t *ProcessTable) Upsert(p schema.ExecutionProcess) {
	t.mu.Lock()
	t.procs[p.ID] = p
	t.mu.Unlock()
}

// Get returns one process.
func (t *ProcessTable) Get(id schema.ProcessID) (schema.ExecutionProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[id]
	return p, ok
}

// List returns the processes of an attempt ordered by start time.
func (t *ProcessTable) List(attemptID schema.AttemptID) []schema.ExecutionProcess {
	t.mu.RLock()
	out := make([]schema.ExecutionProcess, 0, len(t.procs))
	for _, p := range t.procs {
		if p.TaskAttemptID == attemptID {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedBefore(out[j]) })
	return out
}

// LoadProcessesFile reads a JSON array of process records.
func LoadProcessesFile(path string) ([]schema.ExecutionProcess, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var procs []schema.ExecutionProcess
	if err := json.Unmarshal(data, &procs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, p := range procs {
		if err := schema.ValidateProcessID(p.ID); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return procs, nil
}
