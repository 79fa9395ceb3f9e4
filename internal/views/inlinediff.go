package views

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"pkt.systems/vkstream/schema"
)

// DiffLineKind classifies a rendered diff line.
type DiffLineKind string

const (
	// DiffContext is an unchanged line.
	DiffContext DiffLineKind = "context"
	// DiffAdd is an added line.
	DiffAdd DiffLineKind = "add"
	// DiffRemove is a removed line.
	DiffRemove DiffLineKind = "remove"
	// DiffHunk is a hunk header.
	DiffHunk DiffLineKind = "hunk"
	// DiffGap stands in for elided context.
	DiffGap DiffLineKind = "gap"
)

// DiffLine is one line of an inline diff.
type DiffLine struct {
	Kind DiffLineKind `json:"kind"`
	Text string       `json:"text"`
}

// InlineDiff is the compact diff rendered after a file-modification entry.
type InlineDiff struct {
	Path    string     `json:"path"`
	Lines   []DiffLine `json:"lines"`
	Added   int        `json:"added"`
	Removed int        `json:"removed"`
}

// DefaultDiffContext is the number of unchanged lines kept around changes.
const DefaultDiffContext = 3

var (
	backtickPath = regexp.MustCompile("`([^`\\s]+)`")
	verbPath     = regexp.MustCompile(`(?i)(?:Edit|Write|Create)\s+file:\s*(\S+)`)
)

var fileEditTools = map[string]struct{}{
	"edit":                {},
	"multiedit":           {},
	"write":               {},
	"create":              {},
	"editfile":            {},
	"writefile":           {},
	"createfile":          {},
	"strreplaceeditor":    {},
	"strreplacebasededit": {},
	"applypatch":          {},
}

// IsFileEdit reports whether the entry is a file-modification tool call.
func IsFileEdit(entry schema.LogEntry) bool {
	if entry.Payload.Kind() != schema.EntryToolUse {
		return false
	}
	typ := entry.Payload.Entry.EntryType
	if typ.ActionType != nil && typ.ActionType.Action == schema.ActionFileEdit {
		return true
	}
	_, ok := fileEditTools[schema.NormalizeToolName(typ.ToolName)]
	return ok
}

// ResolvePath finds the target file of a tool entry. Structured action
// metadata wins; otherwise the first backtick-quoted token, then an
// "Edit/Write/Create file: <path>" phrase. This is a heuristic and returns
// "" when nothing matches.
func ResolvePath(entry schema.NormalizedEntry) string {
	if action := entry.EntryType.ActionType; action != nil {
		if path := strings.TrimSpace(action.Path); path != "" {
			return path
		}
	}
	if m := backtickPath.FindStringSubmatch(entry.Content); m != nil {
		return m[1]
	}
	if m := verbPath.FindStringSubmatch(entry.Content); m != nil {
		return strings.Trim(m[1], "`'\",;")
	}
	return ""
}

// MatchDiffs returns the diffs whose path equals path or where either path
// is a suffix of the other on a path-component boundary.
func MatchDiffs(path string, diffs []schema.Diff) []schema.Diff {
	want := cleanPath(path)
	if want == "" {
		return nil
	}
	var out []schema.Diff
	for _, diff := range diffs {
		have := cleanPath(diff.Path())
		if have == "" {
			continue
		}
		if have == want || strings.HasSuffix(have, "/"+want) || strings.HasSuffix(want, "/"+have) {
			out = append(out, diff)
		}
	}
	return out
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	return strings.TrimPrefix(path, "./")
}

// InlineDiffFor slices the full diff down to the file touched by entry.
// It reports false when the entry is not a file edit, no path resolves, or
// no diff matches.
func InlineDiffFor(entry schema.LogEntry, diffs []schema.Diff, contextLines int) (InlineDiff, bool) {
	if !IsFileEdit(entry) {
		return InlineDiff{}, false
	}
	path := ResolvePath(*entry.Payload.Entry)
	if path == "" {
		return InlineDiff{}, false
	}
	matched := MatchDiffs(path, diffs)
	if len(matched) == 0 {
		return InlineDiff{}, false
	}
	if contextLines < 0 {
		contextLines = DefaultDiffContext
	}
	out := InlineDiff{Path: matched[0].Path()}
	for _, diff := range matched {
		lines := DiffLines(diff)
		for _, line := range lines {
			switch line.Kind {
			case DiffAdd:
				out.Added++
			case DiffRemove:
				out.Removed++
			}
		}
		out.Lines = append(out.Lines, compact(lines, contextLines)...)
	}
	if len(out.Lines) == 0 {
		return InlineDiff{}, false
	}
	return out, true
}

// DiffLines parses the hunks of a diff. Hunks without an @@ header are
// accepted. When a diff carries no hunks but both file contents are known,
// a line diff is computed.
func DiffLines(diff schema.Diff) []DiffLine {
	var out []DiffLine
	for _, hunk := range diff.Hunks {
		for _, raw := range strings.Split(strings.TrimRight(hunk, "\n"), "\n") {
			switch {
			case strings.HasPrefix(raw, "@@"):
				out = append(out, DiffLine{Kind: DiffHunk, Text: raw})
			case strings.HasPrefix(raw, "+++"), strings.HasPrefix(raw, "---"), strings.HasPrefix(raw, `\ No newline`):
			case strings.HasPrefix(raw, "+"):
				out = append(out, DiffLine{Kind: DiffAdd, Text: raw[1:]})
			case strings.HasPrefix(raw, "-"):
				out = append(out, DiffLine{Kind: DiffRemove, Text: raw[1:]})
			case strings.HasPrefix(raw, " "):
				out = append(out, DiffLine{Kind: DiffContext, Text: raw[1:]})
			default:
				out = append(out, DiffLine{Kind: DiffContext, Text: raw})
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	if diff.OldFile == nil && diff.NewFile == nil {
		return nil
	}
	var oldContent, newContent string
	if diff.OldFile != nil {
		oldContent = diff.OldFile.Content
	}
	if diff.NewFile != nil {
		newContent = diff.NewFile.Content
	}
	return ContentDiff(oldContent, newContent)
}

// ContentDiff computes a line diff between two file contents.
func ContentDiff(oldContent, newContent string) []DiffLine {
	if oldContent == newContent {
		return nil
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)
	var out []DiffLine
	for _, d := range diffs {
		kind := DiffContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = DiffAdd
		case diffmatchpatch.DiffDelete:
			kind = DiffRemove
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out = append(out, DiffLine{Kind: kind, Text: strings.TrimSuffix(line, "\n")})
		}
	}
	return out
}

// compact elides runs of unchanged lines longer than 2*context, keeping
// context lines next to every change.
func compact(lines []DiffLine, context int) []DiffLine {
	keep := make([]bool, len(lines))
	for i, line := range lines {
		if line.Kind == DiffContext {
			continue
		}
		lo, hi := i-context, i+context
		if line.Kind == DiffHunk {
			lo, hi = i, i
		}
		for j := max(lo, 0); j <= hi && j < len(lines); j++ {
			keep[j] = true
		}
	}
	out := make([]DiffLine, 0, len(lines))
	skipped := 0
	for i, line := range lines {
		if keep[i] {
			if skipped > 0 {
				out = append(out, gapLine(skipped))
				skipped = 0
			}
			out = append(out, line)
			continue
		}
		skipped++
	}
	if skipped > 0 && len(out) > 0 {
		out = append(out, gapLine(skipped))
	}
	return out
}

func gapLine(n int) DiffLine {
	return DiffLine{Kind: DiffGap, Text: strconv.Itoa(n) + " unchanged lines"}
}
