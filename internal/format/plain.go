// Package format renders derived views as text lines.
package format

import (
	"fmt"
	"strings"

	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

// PlainRenderer formats view models as plain text lines. Lines that carry a
// semantic role are prefixed with one of the schema markers so a styled
// renderer can restyle them.
type PlainRenderer struct {
	// ShowIDs appends process ids to section headers.
	ShowIDs bool
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{ShowIDs: true}
}

// Render converts a model into lines: rows first, then the todo list.
func (p *PlainRenderer) Render(model views.Model) []string {
	var lines []string
	for _, row := range model.Rows {
		lines = append(lines, p.FormatRow(row)...)
	}
	lines = append(lines, FormatTodos(model.Todos)...)
	return lines
}

// FormatRow converts one view row into lines.
func (p *PlainRenderer) FormatRow(row views.Row) []string {
	switch row.Kind {
	case views.RowProcess:
		return []string{schema.ProcessMarker + p.header(row)}
	case views.RowEntry:
		if row.Entry == nil {
			return nil
		}
		lines := formatEntry(*row.Entry, row.Clustered)
		if row.InlineDiff != nil {
			lines = append(lines, FormatInlineDiff(*row.InlineDiff)...)
		}
		return lines
	default:
		return nil
	}
}

func (p *PlainRenderer) header(row views.Row) string {
	arrow := "▾"
	if row.Collapsed {
		arrow = "▸"
	}
	var b strings.Builder
	b.WriteString(arrow)
	b.WriteString(" ")
	if row.Process != nil {
		b.WriteString(processLabel(row.Process.RunReason))
		b.WriteString(" [")
		b.WriteString(string(row.Process.Status))
		if row.Process.ExitCode != nil && row.Process.Status.Terminal() {
			fmt.Fprintf(&b, " exit %d", *row.Process.ExitCode)
		}
		b.WriteString("]")
	} else {
		b.WriteString("process")
	}
	if p.ShowIDs {
		b.WriteString(" ")
		b.WriteString(string(row.ProcessID))
	}
	if row.Collapsed && row.Hidden > 0 {
		fmt.Fprintf(&b, " (%d hidden)", row.Hidden)
	}
	return b.String()
}

func processLabel(reason schema.RunReason) string {
	switch reason {
	case schema.RunReasonSetupScript:
		return "setup script"
	case schema.RunReasonCleanupScript:
		return "cleanup script"
	case schema.RunReasonCodingAgent:
		return "coding agent"
	case schema.RunReasonDevServer:
		return "dev server"
	case "":
		return "process"
	default:
		return string(reason)
	}
}

func formatEntry(entry schema.LogEntry, clustered int) []string {
	switch entry.Channel {
	case schema.ChannelStdout:
		return splitLines(entry.Payload.Text)
	case schema.ChannelStderr:
		return markLines(schema.StderrMarker, splitLines(entry.Payload.Text))
	}
	if entry.Payload.Entry == nil {
		return nil
	}
	ne := entry.Payload.Entry
	switch ne.EntryType.Type {
	case schema.EntryUserMessage:
		return prefixFirst("> ", splitLines(ne.Content))
	case schema.EntryAssistantMessage:
		lines := splitLines(ne.Content)
		if clustered > 1 {
			lines = append(lines, fmt.Sprintf("(%d messages)", clustered))
		}
		return markLines(schema.AgentMarker, lines)
	case schema.EntryThinking:
		return markLines(schema.ReasoningMarker, splitLines(ne.Content))
	case schema.EntryToolUse:
		return markLines(schema.ToolMarker, formatTool(ne))
	case schema.EntrySystemMessage:
		return prefixFirst("system: ", splitLines(ne.Content))
	case schema.EntryErrorMessage:
		return markLines(schema.StderrMarker, prefixFirst("error: ", splitLines(ne.Content)))
	default:
		return splitLines(ne.Content)
	}
}

func formatTool(entry *schema.NormalizedEntry) []string {
	name := strings.TrimSpace(entry.EntryType.ToolName)
	if name == "" {
		name = "tool"
	}
	action := entry.EntryType.ActionType
	if action != nil {
		switch action.Action {
		case schema.ActionCommandRun:
			if action.Command != "" {
				return []string{fmt.Sprintf("$ %s", action.Command)}
			}
		case schema.ActionFileRead:
			if action.Path != "" {
				return []string{fmt.Sprintf("read %s", action.Path)}
			}
		case schema.ActionFileEdit:
			if action.Path != "" {
				return []string{fmt.Sprintf("edit %s", action.Path)}
			}
		case schema.ActionSearch:
			if action.Query != "" {
				return []string{fmt.Sprintf("search: %s", action.Query)}
			}
		case schema.ActionWebFetch:
			if action.URL != "" {
				return []string{fmt.Sprintf("fetch %s", action.URL)}
			}
		}
	}
	content := splitLines(entry.Content)
	if len(content) == 0 {
		return []string{name}
	}
	content[0] = name + ": " + content[0]
	return content
}

// FormatInlineDiff renders an inline diff below its entry.
func FormatInlineDiff(diff views.InlineDiff) []string {
	lines := []string{fmt.Sprintf("  %s (+%d -%d)", diff.Path, diff.Added, diff.Removed)}
	for _, line := range diff.Lines {
		switch line.Kind {
		case views.DiffAdd:
			lines = append(lines, schema.DiffAddMarker+"  +"+line.Text)
		case views.DiffRemove:
			lines = append(lines, schema.DiffRemoveMarker+"  -"+line.Text)
		case views.DiffGap:
			lines = append(lines, "  ⋯ "+line.Text)
		case views.DiffHunk:
			lines = append(lines, "  "+line.Text)
		default:
			lines = append(lines, "   "+line.Text)
		}
	}
	return lines
}

// FormatTodos renders the todo list, or nothing when it is empty.
func FormatTodos(state views.TodoState) []string {
	if len(state.Items) == 0 {
		return nil
	}
	lines := []string{"todo list:"}
	for _, item := range state.Items {
		prefix := "[ ]"
		switch item.Status {
		case schema.TodoInProgress:
			prefix = "[~]"
		case schema.TodoCompleted:
			prefix = "[x]"
		}
		lines = append(lines, fmt.Sprintf("%s %s", prefix, item.Content))
	}
	return lines
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func prefixFirst(prefix string, lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	lines[0] = prefix + lines[0]
	return lines
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
