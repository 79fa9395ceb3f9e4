package format

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

func eventEntry(kind schema.EntryKind, content string) *schema.LogEntry {
	return &schema.LogEntry{
		ProcessID: "p1",
		Channel:   schema.ChannelEvent,
		Sequence:  1,
		Timestamp: time.Unix(0, 0),
		Payload: schema.PatchValue{
			Type:  schema.ValueNormalizedEntry,
			Entry: &schema.NormalizedEntry{EntryType: schema.EntryType{Type: kind}, Content: content},
		},
	}
}

func TestFormatRowProcessHeader(t *testing.T) {
	exit := int64(0)
	row := views.Row{
		Kind:      views.RowProcess,
		ProcessID: "p1",
		Process:   &schema.ExecutionProcess{ID: "p1", RunReason: schema.RunReasonSetupScript, Status: schema.StatusCompleted, ExitCode: &exit},
		Collapsed: true,
		Hidden:    4,
	}
	got := NewPlainRenderer().FormatRow(row)
	want := []string{schema.ProcessMarker + "▸ setup script [completed exit 0] p1 (4 hidden)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatRowEntries(t *testing.T) {
	stderr := &schema.LogEntry{
		ProcessID: "p1",
		Channel:   schema.ChannelStderr,
		Payload:   schema.PatchValue{Type: schema.ValueStderr, Text: "boom\n"},
	}
	tool := eventEntry(schema.EntryToolUse, "")
	tool.Payload.Entry.EntryType.ToolName = "bash"
	tool.Payload.Entry.EntryType.ActionType = &schema.ActionType{Action: schema.ActionCommandRun, Command: "go test ./..."}

	tests := []struct {
		name      string
		entry     *schema.LogEntry
		clustered int
		want      []string
	}{
		{"user", eventEntry(schema.EntryUserMessage, "fix it"), 0, []string{"> fix it"}},
		{"assistant", eventEntry(schema.EntryAssistantMessage, "a\nb"), 0, []string{schema.AgentMarker + "a", schema.AgentMarker + "b"}},
		{"clustered", eventEntry(schema.EntryAssistantMessage, "a"), 3, []string{schema.AgentMarker + "a", schema.AgentMarker + "(3 messages)"}},
		{"thinking", eventEntry(schema.EntryThinking, "hmm"), 0, []string{schema.ReasoningMarker + "hmm"}},
		{"tool", tool, 0, []string{schema.ToolMarker + "$ go test ./..."}},
		{"error", eventEntry(schema.EntryErrorMessage, "bad"), 0, []string{schema.StderrMarker + "error: bad"}},
		{"stderr", stderr, 0, []string{schema.StderrMarker + "boom"}},
	}
	p := NewPlainRenderer()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.FormatRow(views.Row{Kind: views.RowEntry, ProcessID: "p1", Entry: tc.entry, Clustered: tc.clustered})
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("lines mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRenderIncludesInlineDiffAndTodos(t *testing.T) {
	entry := eventEntry(schema.EntryToolUse, "Edit file: main.go")
	model := views.Model{
		Rows: []views.Row{{
			Kind:  views.RowEntry,
			Entry: entry,
			InlineDiff: &views.InlineDiff{
				Path:    "main.go",
				Added:   1,
				Removed: 1,
				Lines: []views.DiffLine{
					{Kind: views.DiffRemove, Text: "old"},
					{Kind: views.DiffAdd, Text: "new"},
					{Kind: views.DiffGap, Text: "5 unchanged lines"},
				},
			},
		}},
		Todos: views.TodoState{Items: []views.Todo{
			{Content: "write code", Status: schema.TodoCompleted},
			{Content: "test code", Status: schema.TodoInProgress},
			{Content: "ship", Status: schema.TodoPending},
		}},
	}
	got := StripMarkers(NewPlainRenderer().Render(model))
	want := []string{
		"tool: Edit file: main.go",
		"  main.go (+1 -1)",
		"  -old",
		"  +new",
		"  ⋯ 5 unchanged lines",
		"todo list:",
		"[x] write code",
		"[~] test code",
		"[ ] ship",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("render mismatch (-want +got):\n%s", diff)
	}
}

func TestStyledRendererStripsMarkers(t *testing.T) {
	model := views.Model{Rows: []views.Row{
		{Kind: views.RowProcess, ProcessID: "p1"},
		{Kind: views.RowEntry, Entry: eventEntry(schema.EntryAssistantMessage, "hello")},
	}}
	lines := NewStyledRenderer(false).Render(model)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%q)", len(lines), lines)
	}
	for _, line := range lines {
		for _, marker := range markers {
			if strings.Contains(line, marker) {
				t.Fatalf("marker left in %q", line)
			}
		}
	}
	if !strings.Contains(lines[1], "hello") {
		t.Fatalf("expected assistant text, got %q", lines[1])
	}
}

func TestStyledRendererColorsDiffLines(t *testing.T) {
	r := NewStyledRenderer(false)
	if got := r.styleLine(schema.DiffAddMarker + "+x"); got != "+x" {
		t.Fatalf("expected uncolored diff line, got %q", got)
	}
}
