package views

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/vkstream/schema"
)

func editEntry(tool, content string, action *schema.ActionType) schema.LogEntry {
	return toolEntry(1, tool, content, action, 0)
}

func TestResolvePath(t *testing.T) {
	cases := []struct {
		name    string
		content string
		action  *schema.ActionType
		want    string
	}{
		{"structured", "Edit file: other.go", &schema.ActionType{Action: schema.ActionFileEdit, Path: "src/main.go"}, "src/main.go"},
		{"backtick", "Updated `internal/app.go` with fix", nil, "internal/app.go"},
		{"verb", "Write file: docs/readme.md", nil, "docs/readme.md"},
		{"verb-case", "create FILE:   new.txt,", nil, "new.txt"},
		{"backtick-first", "Edit file: b.go but also `a.go`", nil, "a.go"},
		{"none", "ran some edits", nil, ""},
	}
	for _, tc := range cases {
		entry := editEntry("Edit", tc.content, tc.action)
		if got := ResolvePath(*entry.Payload.Entry); got != tc.want {
			t.Fatalf("case %q: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestMatchDiffsSuffixEitherDirection(t *testing.T) {
	diffs := []schema.Diff{
		{NewFile: &schema.FileDiffDetails{FileName: "src/pkg/main.go"}},
		{NewFile: &schema.FileDiffDetails{FileName: "notmain.go"}},
		{OldFile: &schema.FileDiffDetails{FileName: "docs/old.md"}},
		{NewFile: &schema.FileDiffDetails{FileName: "a/util.go"}},
	}
	cases := map[string][]string{
		"src/pkg/main.go":               {"src/pkg/main.go"},
		"main.go":                       {"src/pkg/main.go"},
		"/home/me/repo/src/pkg/main.go": {"src/pkg/main.go"},
		"./docs/old.md":                 {"docs/old.md"},
		"ain.go":                        nil,
		"a/util.go":                     {"a/util.go"},
		"lib/util.go":                   nil,
		"":                              nil,
	}
	for path, want := range cases {
		var got []string
		for _, diff := range MatchDiffs(path, diffs) {
			got = append(got, diff.Path())
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("path %q mismatch (-want +got):\n%s", path, diff)
		}
	}
}

func TestInlineDiffForEditEntry(t *testing.T) {
	diffs := []schema.Diff{{
		NewFile: &schema.FileDiffDetails{FileName: "src/main.go"},
		Hunks:   []string{"@@ -1,3 +1,3 @@\n package main\n-var x = 1\n+var x = 2\n func main() {}"},
	}}
	entry := editEntry("Edit", "Edit file: `src/main.go`", nil)
	got, ok := InlineDiffFor(entry, diffs, DefaultDiffContext)
	if !ok {
		t.Fatalf("expected inline diff")
	}
	want := InlineDiff{
		Path: "src/main.go",
		Lines: []DiffLine{
			{Kind: DiffHunk, Text: "@@ -1,3 +1,3 @@"},
			{Kind: DiffContext, Text: "package main"},
			{Kind: DiffRemove, Text: "var x = 1"},
			{Kind: DiffAdd, Text: "var x = 2"},
			{Kind: DiffContext, Text: "func main() {}"},
		},
		Added:   1,
		Removed: 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("inline diff mismatch (-want +got):\n%s", diff)
	}
}

func TestInlineDiffSuppressedSilently(t *testing.T) {
	diffs := []schema.Diff{{NewFile: &schema.FileDiffDetails{FileName: "a.go"}, Hunks: []string{"+x"}}}
	cases := []schema.LogEntry{
		editEntry("Edit", "no path here", nil),
		editEntry("Edit", "Edit file: b.go", nil),
		editEntry("Read", "`a.go`", &schema.ActionType{Action: schema.ActionFileRead, Path: "a.go"}),
		assistantEntry("agent", 1, "`a.go`"),
	}
	for i, entry := range cases {
		if _, ok := InlineDiffFor(entry, diffs, DefaultDiffContext); ok {
			t.Fatalf("case %d: expected no inline diff", i)
		}
	}
}

func TestDiffLinesWithoutHunkHeader(t *testing.T) {
	lines := DiffLines(schema.Diff{Hunks: []string{"-old\n+new\n\\ No newline at end of file"}})
	want := []DiffLine{{Kind: DiffRemove, Text: "old"}, {Kind: DiffAdd, Text: "new"}}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffLinesFromContents(t *testing.T) {
	lines := DiffLines(schema.Diff{
		OldFile: &schema.FileDiffDetails{FileName: "f.txt", Content: "a\nb\nc\n"},
		NewFile: &schema.FileDiffDetails{FileName: "f.txt", Content: "a\nB\nc\n"},
	})
	want := []DiffLine{
		{Kind: DiffContext, Text: "a"},
		{Kind: DiffRemove, Text: "b"},
		{Kind: DiffAdd, Text: "B"},
		{Kind: DiffContext, Text: "c"},
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestCompactElidesLongContext(t *testing.T) {
	var lines []DiffLine
	for i := 0; i < 10; i++ {
		lines = append(lines, DiffLine{Kind: DiffContext, Text: "ctx"})
	}
	lines = append(lines, DiffLine{Kind: DiffAdd, Text: "new"})
	for i := 0; i < 10; i++ {
		lines = append(lines, DiffLine{Kind: DiffContext, Text: "ctx"})
	}
	got := compact(lines, 1)
	want := []DiffLine{
		{Kind: DiffGap, Text: "9 unchanged lines"},
		{Kind: DiffContext, Text: "ctx"},
		{Kind: DiffAdd, Text: "new"},
		{Kind: DiffContext, Text: "ctx"},
		{Kind: DiffGap, Text: "9 unchanged lines"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("compact mismatch (-want +got):\n%s", diff)
	}
}
