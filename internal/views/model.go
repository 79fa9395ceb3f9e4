package views

import (
	"pkt.systems/vkstream/schema"
)

// RowKind identifies a presentation row.
type RowKind string

const (
	// RowProcess is a process section header.
	RowProcess RowKind = "process"
	// RowEntry is a log entry inside an expanded process section.
	RowEntry RowKind = "entry"
)

// Row is one line item handed to presentation.
type Row struct {
	Kind      RowKind                  `json:"kind"`
	ProcessID schema.ProcessID         `json:"process_id"`
	Process   *schema.ExecutionProcess `json:"process,omitempty"`
	Collapsed bool                     `json:"collapsed,omitempty"`
	Hidden    int                      `json:"hidden,omitempty"`
	Entry     *schema.LogEntry         `json:"entry,omitempty"`
	// Clustered is the number of assistant messages merged into Entry.
	Clustered  int         `json:"clustered,omitempty"`
	InlineDiff *InlineDiff `json:"inline_diff,omitempty"`
}

// Model is the complete derived view of an attempt.
type Model struct {
	Rows      []Row                     `json:"rows"`
	Todos     TodoState                 `json:"todos"`
	Processes []schema.ExecutionProcess `json:"processes"`
}

// BuildInput gathers everything Build derives from.
type BuildInput struct {
	Entries     []schema.LogEntry
	Processes   []schema.ExecutionProcess
	Collapse    CollapseState
	Clustering  bool
	Policy      ClusterPolicy
	Diffs       []schema.Diff
	DiffContext int
	Todos       TodoState
}

// Build turns the unified log into presentation rows. Collapsed process
// sections contribute only their header row with the number of hidden
// entries. Clustering is applied to a copy of the entries.
func Build(in BuildInput) Model {
	procs := make(map[schema.ProcessID]schema.ExecutionProcess, len(in.Processes))
	for _, proc := range in.Processes {
		procs[proc.ID] = proc
	}

	var groups []clustered
	if in.Clustering {
		groups = cluster(in.Entries, in.Policy)
	} else {
		groups = make([]clustered, 0, len(in.Entries))
		for _, entry := range in.Entries {
			groups = append(groups, clustered{entry: entry, size: 1})
		}
	}

	rows := make([]Row, 0, len(groups))
	headers := make(map[schema.ProcessID]int)
	for _, group := range groups {
		entry := group.entry
		if entry.Channel == schema.ChannelProcessStart {
			row := Row{
				Kind:      RowProcess,
				ProcessID: entry.ProcessID,
				Collapsed: in.Collapse.IsCollapsed(entry.ProcessID),
			}
			if proc, ok := procs[entry.ProcessID]; ok {
				row.Process = &proc
			}
			headers[entry.ProcessID] = len(rows)
			rows = append(rows, row)
			continue
		}
		if in.Collapse.IsCollapsed(entry.ProcessID) {
			if idx, ok := headers[entry.ProcessID]; ok {
				rows[idx].Hidden += group.size
			}
			continue
		}
		row := Row{Kind: RowEntry, ProcessID: entry.ProcessID, Entry: &entry}
		if group.size > 1 {
			row.Clustered = group.size
		}
		if diff, ok := InlineDiffFor(entry, in.Diffs, in.DiffContext); ok {
			row.InlineDiff = &diff
		}
		rows = append(rows, row)
	}
	return Model{
		Rows:      rows,
		Todos:     in.Todos,
		Processes: append([]schema.ExecutionProcess(nil), in.Processes...),
	}
}
