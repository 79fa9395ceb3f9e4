package schema

import "time"

// AttemptID identifies a task attempt.
type AttemptID string

// ProcessID identifies an execution process.
type ProcessID string

// RunReason describes why an execution process was started.
type RunReason string

const (
	// RunReasonSetupScript marks a setup script run before the agent.
	RunReasonSetupScript RunReason = "setupscript"
	// RunReasonCleanupScript marks a cleanup script run after the agent.
	RunReasonCleanupScript RunReason = "cleanupscript"
	// RunReasonCodingAgent marks a coding agent run.
	RunReasonCodingAgent RunReason = "codingagent"
	// RunReasonDevServer marks a background dev server.
	RunReasonDevServer RunReason = "devserver"
)

// IsScript reports whether the run reason is a setup or cleanup script.
func (r RunReason) IsScript() bool {
	return r == RunReasonSetupScript || r == RunReasonCleanupScript
}

// ProcessStatus is the lifecycle state of an execution process.
type ProcessStatus string

const (
	// StatusRunning indicates the process is still executing.
	StatusRunning ProcessStatus = "running"
	// StatusCompleted indicates the process exited successfully.
	StatusCompleted ProcessStatus = "completed"
	// StatusFailed indicates the process exited with an error.
	StatusFailed ProcessStatus = "failed"
	// StatusKilled indicates the process was stopped.
	StatusKilled ProcessStatus = "killed"
)

// Finished reports whether the process exited normally or with an error.
func (s ProcessStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Terminal reports whether the process will not produce more output.
func (s ProcessStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// ExecutionProcess mirrors the backend execution process record.
type ExecutionProcess struct {
	ID            ProcessID     `json:"id"`
	TaskAttemptID AttemptID     `json:"task_attempt_id"`
	RunReason     RunReason     `json:"run_reason"`
	Status        ProcessStatus `json:"status"`
	ExitCode      *int64        `json:"exit_code,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// StartedBefore orders processes by start time, breaking ties by id.
func (p ExecutionProcess) StartedBefore(other ExecutionProcess) bool {
	if !p.StartedAt.Equal(other.StartedAt) {
		return p.StartedAt.Before(other.StartedAt)
	}
	return p.ID < other.ID
}
