package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntryKind is the top-level type of a normalized conversation entry.
type EntryKind string

const (
	// EntryUserMessage represents a prompt sent to the agent.
	EntryUserMessage EntryKind = "user_message"
	// EntryAssistantMessage represents assistant output.
	EntryAssistantMessage EntryKind = "assistant_message"
	// EntryToolUse represents a tool invocation.
	EntryToolUse EntryKind = "tool_use"
	// EntrySystemMessage represents executor/system notices.
	EntrySystemMessage EntryKind = "system_message"
	// EntryErrorMessage represents an error reported by the executor.
	EntryErrorMessage EntryKind = "error_message"
	// EntryThinking represents reasoning content.
	EntryThinking EntryKind = "thinking"
)

// ActionKind describes what a tool invocation did.
type ActionKind string

const (
	// ActionFileRead reads a file.
	ActionFileRead ActionKind = "file_read"
	// ActionFileEdit modifies a file.
	ActionFileEdit ActionKind = "file_edit"
	// ActionCommandRun runs a shell command.
	ActionCommandRun ActionKind = "command_run"
	// ActionSearch searches the workspace.
	ActionSearch ActionKind = "search"
	// ActionWebFetch fetches a URL.
	ActionWebFetch ActionKind = "web_fetch"
	// ActionTaskCreate spawns a sub task.
	ActionTaskCreate ActionKind = "task_create"
	// ActionPlanPresentation presents a plan.
	ActionPlanPresentation ActionKind = "plan_presentation"
	// ActionTodoManagement updates the todo list.
	ActionTodoManagement ActionKind = "todo_management"
	// ActionOther is any other tool action.
	ActionOther ActionKind = "other"
)

// NormalizedEntry is one executor-agnostic conversation entry.
type NormalizedEntry struct {
	Timestamp string          `json:"timestamp,omitempty"`
	EntryType EntryType       `json:"entry_type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EntryType carries the entry kind and, for tool use, the tool details.
type EntryType struct {
	Type       EntryKind   `json:"type"`
	ToolName   string      `json:"tool_name,omitempty"`
	ActionType *ActionType `json:"action_type,omitempty"`
}

// ActionType is the structured description of a tool action.
type ActionType struct {
	Action      ActionKind `json:"action"`
	Path        string     `json:"path,omitempty"`
	Diffs       []EditDiff `json:"diffs,omitempty"`
	Command     string     `json:"command,omitempty"`
	Query       string     `json:"query,omitempty"`
	URL         string     `json:"url,omitempty"`
	Description string     `json:"description,omitempty"`
	Plan        string     `json:"plan,omitempty"`
	Todos       []TodoItem `json:"todos,omitempty"`
	Operation   string     `json:"operation,omitempty"`
}

// EditDiff is an edit reported by a file_edit action.
type EditDiff struct {
	Format      string `json:"format"`
	UnifiedDiff string `json:"unified_diff,omitempty"`
	Old         string `json:"old,omitempty"`
	New         string `json:"new,omitempty"`
}

// TodoStatus is the progress of a todo item.
type TodoStatus string

const (
	// TodoPending is not started.
	TodoPending TodoStatus = "pending"
	// TodoInProgress is being worked on.
	TodoInProgress TodoStatus = "in_progress"
	// TodoCompleted is done.
	TodoCompleted TodoStatus = "completed"
)

// NormalizeTodoStatus maps executor spellings onto the known statuses.
// Unknown values fall back to pending.
func NormalizeTodoStatus(value string) TodoStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "in_progress", "in-progress", "inprogress", "active", "doing":
		return TodoInProgress
	case "completed", "complete", "done":
		return TodoCompleted
	default:
		return TodoPending
	}
}

// TodoItem is a checklist entry from a todo tool invocation.
type TodoItem struct {
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
}

// FileDiffDetails names one side of a diff.
type FileDiffDetails struct {
	FileName string `json:"fileName,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Diff describes the change to a single file.
type Diff struct {
	OldFile *FileDiffDetails `json:"oldFile,omitempty"`
	NewFile *FileDiffDetails `json:"newFile,omitempty"`
	Hunks   []string         `json:"hunks"`
}

// Path returns the new file name, falling back to the old one for deletions.
func (d Diff) Path() string {
	if d.NewFile != nil && d.NewFile.FileName != "" {
		return d.NewFile.FileName
	}
	if d.OldFile != nil {
		return d.OldFile.FileName
	}
	return ""
}

// PatchValueType tags the content of a document entry.
type PatchValueType string

const (
	// ValueNormalizedEntry carries a NormalizedEntry.
	ValueNormalizedEntry PatchValueType = "NORMALIZED_ENTRY"
	// ValueStdout carries a raw stdout line.
	ValueStdout PatchValueType = "STDOUT"
	// ValueStderr carries a raw stderr line.
	ValueStderr PatchValueType = "STDERR"
	// ValueDiff carries a Diff.
	ValueDiff PatchValueType = "DIFF"
)

// PatchValue is one entry of a reconciled document.
type PatchValue struct {
	Type  PatchValueType
	Entry *NormalizedEntry
	Text  string
	Diff  *Diff
}

type patchValueWire struct {
	Type    PatchValueType  `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the value in its tagged wire form.
func (v PatchValue) MarshalJSON() ([]byte, error) {
	var content any
	switch v.Type {
	case "":
		return []byte("null"), nil
	case ValueNormalizedEntry:
		content = v.Entry
	case ValueStdout, ValueStderr:
		content = v.Text
	case ValueDiff:
		content = v.Diff
	default:
		return nil, fmt.Errorf("%w: unknown patch value type %q", ErrInvalidBatch, v.Type)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(patchValueWire{Type: v.Type, Content: raw})
}

// UnmarshalJSON decodes the tagged wire form.
func (v *PatchValue) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*v = PatchValue{}
		return nil
	}
	var wire patchValueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := PatchValue{Type: wire.Type}
	switch wire.Type {
	case ValueNormalizedEntry:
		var entry NormalizedEntry
		if err := json.Unmarshal(wire.Content, &entry); err != nil {
			return err
		}
		out.Entry = &entry
	case ValueStdout, ValueStderr:
		if err := json.Unmarshal(wire.Content, &out.Text); err != nil {
			return err
		}
	case ValueDiff:
		var diff Diff
		if err := json.Unmarshal(wire.Content, &diff); err != nil {
			return err
		}
		out.Diff = &diff
	default:
		return fmt.Errorf("%w: unknown patch value type %q", ErrInvalidBatch, wire.Type)
	}
	*v = out
	return nil
}

// Kind returns the entry kind for normalized entries and "" otherwise.
func (v PatchValue) Kind() EntryKind {
	if v.Type != ValueNormalizedEntry || v.Entry == nil {
		return ""
	}
	return v.Entry.EntryType.Type
}

// NormalizedConversation is the one-shot REST representation of a process log.
type NormalizedConversation struct {
	Entries      []NormalizedEntry `json:"entries"`
	SessionID    string            `json:"session_id,omitempty"`
	ExecutorType string            `json:"executor_type,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// Values wraps the conversation entries as document values.
func (c NormalizedConversation) Values() []PatchValue {
	if len(c.Entries) == 0 {
		return nil
	}
	out := make([]PatchValue, 0, len(c.Entries))
	for i := range c.Entries {
		entry := c.Entries[i]
		out = append(out, PatchValue{Type: ValueNormalizedEntry, Entry: &entry})
	}
	return out
}
