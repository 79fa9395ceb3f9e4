package schema

import (
	"strconv"
	"time"
)

// Channel identifies where a unified log entry came from.
type Channel string

const (
	// ChannelStdout is raw process stdout.
	ChannelStdout Channel = "stdout"
	// ChannelStderr is raw process stderr.
	ChannelStderr Channel = "stderr"
	// ChannelEvent is a normalized conversation entry.
	ChannelEvent Channel = "event"
	// ChannelProcessStart is the synthetic marker that opens a process section.
	ChannelProcessStart Channel = "process_start"
)

// ChannelFor maps a document value to its unified channel.
func ChannelFor(value PatchValue) Channel {
	switch value.Type {
	case ValueStdout:
		return ChannelStdout
	case ValueStderr:
		return ChannelStderr
	default:
		return ChannelEvent
	}
}

// LogEntry is one entry of the unified, time-ordered attempt log.
type LogEntry struct {
	ProcessID ProcessID  `json:"process_id"`
	Channel   Channel    `json:"channel"`
	Sequence  int        `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   PatchValue `json:"payload"`
}

// Key identifies the entry within the unified log.
func (e LogEntry) Key() string {
	return string(e.ProcessID) + ":" + string(e.Channel) + ":" + strconv.Itoa(e.Sequence)
}

// IsAssistantMessage reports whether the entry carries assistant output.
func (e LogEntry) IsAssistantMessage() bool {
	return e.Channel == ChannelEvent && e.Payload.Kind() == EntryAssistantMessage
}

// StderrMarker prefixes rendered lines that originated from stderr.
const StderrMarker = "\x1f"

// AgentMarker prefixes rendered assistant message lines.
const AgentMarker = "\x1c"

// ReasoningMarker prefixes rendered thinking lines.
const ReasoningMarker = "\x1d"

// ToolMarker prefixes rendered tool invocation lines.
const ToolMarker = "\x1a"

// ProcessMarker prefixes rendered process header lines.
const ProcessMarker = "\x1e"

// DiffAddMarker prefixes rendered added diff lines.
const DiffAddMarker = "\x16"

// DiffRemoveMarker prefixes rendered removed diff lines.
const DiffRemoveMarker = "\x17"
