// Package views derives presentation state from the unified log.
// Every reducer is a pure function of its previous state and new facts.
package views

import (
	"pkt.systems/vkstream/schema"
)

// ProcessSet is a set of process ids.
type ProcessSet map[schema.ProcessID]struct{}

// Has reports whether id is in the set.
func (s ProcessSet) Has(id schema.ProcessID) bool {
	_, ok := s[id]
	return ok
}

func (s ProcessSet) clone() ProcessSet {
	out := make(ProcessSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// CollapseState tracks which process sections are collapsed.
// UserCollapsed is authoritative and never changed by automatic policy.
// UserToggled remembers every process the user toggled so automatic
// collapse of setup and cleanup scripts leaves it alone afterwards.
type CollapseState struct {
	UserCollapsed   ProcessSet
	AutoCollapsed   ProcessSet
	UserToggled     ProcessSet
	PrevStatus      map[schema.ProcessID]schema.ProcessStatus
	PrevLatestAgent schema.ProcessID
}

// NewCollapseState returns the empty state used when the subject attempt changes.
func NewCollapseState() CollapseState {
	return CollapseState{
		UserCollapsed: ProcessSet{},
		AutoCollapsed: ProcessSet{},
		UserToggled:   ProcessSet{},
		PrevStatus:    map[schema.ProcessID]schema.ProcessStatus{},
	}
}

func (s CollapseState) clone() CollapseState {
	out := CollapseState{
		UserCollapsed:   s.UserCollapsed.clone(),
		AutoCollapsed:   s.AutoCollapsed.clone(),
		UserToggled:     s.UserToggled.clone(),
		PrevStatus:      make(map[schema.ProcessID]schema.ProcessStatus, len(s.PrevStatus)),
		PrevLatestAgent: s.PrevLatestAgent,
	}
	for id, status := range s.PrevStatus {
		out.PrevStatus[id] = status
	}
	return out
}

// IsCollapsed reports whether the process section is collapsed.
func (s CollapseState) IsCollapsed(id schema.ProcessID) bool {
	return s.UserCollapsed.Has(id) || s.AutoCollapsed.Has(id)
}

// IsUserCollapsed reports whether the user collapsed the process.
func (s CollapseState) IsUserCollapsed(id schema.ProcessID) bool {
	return s.UserCollapsed.Has(id)
}

// IsAutoCollapsed reports whether policy collapsed the process.
func (s CollapseState) IsAutoCollapsed(id schema.ProcessID) bool {
	return s.AutoCollapsed.Has(id)
}

// Toggle flips a process between collapsed and expanded. Expanding clears
// the id from both sets; collapsing adds it to UserCollapsed only.
func Toggle(prev CollapseState, id schema.ProcessID) CollapseState {
	next := prev.clone()
	if prev.IsCollapsed(id) {
		delete(next.UserCollapsed, id)
		delete(next.AutoCollapsed, id)
	} else {
		next.UserCollapsed[id] = struct{}{}
	}
	next.UserToggled[id] = struct{}{}
	return next
}

// ObserveProcesses applies status transitions and coding-agent succession
// for the latest process list.
func ObserveProcesses(prev CollapseState, procs []schema.ExecutionProcess) CollapseState {
	next := prev.clone()
	for _, proc := range procs {
		before, seen := prev.PrevStatus[proc.ID]
		next.PrevStatus[proc.ID] = proc.Status
		if !seen || !proc.RunReason.IsScript() {
			continue
		}
		switch {
		case before == schema.StatusRunning && proc.Status.Finished():
			if !next.UserToggled.Has(proc.ID) && !next.UserCollapsed.Has(proc.ID) {
				next.AutoCollapsed[proc.ID] = struct{}{}
			}
		case before.Finished() && proc.Status == schema.StatusRunning:
			if next.AutoCollapsed.Has(proc.ID) && !next.UserCollapsed.Has(proc.ID) {
				delete(next.AutoCollapsed, proc.ID)
			}
		}
	}

	latest, ok := LatestCodingAgent(procs)
	if ok && latest.ID != prev.PrevLatestAgent {
		for _, proc := range procs {
			if proc.RunReason != schema.RunReasonCodingAgent || proc.ID == latest.ID {
				continue
			}
			if next.UserCollapsed.Has(proc.ID) || next.AutoCollapsed.Has(proc.ID) {
				continue
			}
			next.AutoCollapsed[proc.ID] = struct{}{}
		}
		next.PrevLatestAgent = latest.ID
	}
	return next
}

// LatestCodingAgent returns the most recently started coding agent process,
// breaking start-time ties by id.
func LatestCodingAgent(procs []schema.ExecutionProcess) (schema.ExecutionProcess, bool) {
	var (
		latest schema.ExecutionProcess
		found  bool
	)
	for _, proc := range procs {
		if proc.RunReason != schema.RunReasonCodingAgent {
			continue
		}
		if !found || latest.StartedBefore(proc) {
			latest = proc
			found = true
		}
	}
	return latest, found
}
