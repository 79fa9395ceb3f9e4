package format

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

var (
	styleProcess   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleAgent     = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	styleReasoning = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	styleTool      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleStderr    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

var markers = []string{
	schema.ProcessMarker,
	schema.AgentMarker,
	schema.ReasoningMarker,
	schema.ToolMarker,
	schema.StderrMarker,
	schema.DiffAddMarker,
	schema.DiffRemoveMarker,
}

// StyledRenderer renders view models for terminals. Section headers and
// entry kinds are styled with lipgloss and inline diff lines are colorized.
type StyledRenderer struct {
	plain *PlainRenderer
	// Color disables diff colorizing when false.
	Color bool
}

// NewStyledRenderer returns a terminal renderer.
func NewStyledRenderer(colorEnabled bool) *StyledRenderer {
	return &StyledRenderer{plain: NewPlainRenderer(), Color: colorEnabled}
}

// Render formats the model and applies styles to marked lines.
func (s *StyledRenderer) Render(model views.Model) []string {
	lines := s.plain.Render(model)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, s.styleLine(line))
	}
	return out
}

func (s *StyledRenderer) styleLine(line string) string {
	marker, text := splitMarker(line)
	switch marker {
	case schema.ProcessMarker:
		return styleProcess.Render(text)
	case schema.AgentMarker:
		return styleAgent.Render(text)
	case schema.ReasoningMarker:
		return styleReasoning.Render(text)
	case schema.ToolMarker:
		return styleTool.Render(text)
	case schema.StderrMarker:
		return styleStderr.Render(text)
	case schema.DiffAddMarker:
		return s.colorize(text, color.FgGreen)
	case schema.DiffRemoveMarker:
		return s.colorize(text, color.FgRed)
	default:
		return text
	}
}

func (s *StyledRenderer) colorize(text string, attr color.Attribute) string {
	if !s.Color {
		return text
	}
	return color.New(attr).Sprint(text)
}

// StripMarkers removes role markers from rendered lines.
func StripMarkers(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		_, text := splitMarker(line)
		out = append(out, text)
	}
	return out
}

func splitMarker(line string) (string, string) {
	for _, marker := range markers {
		if strings.HasPrefix(line, marker) {
			return marker, strings.TrimPrefix(line, marker)
		}
	}
	return "", line
}
