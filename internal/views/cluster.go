package views

import (
	"strings"
	"unicode/utf8"

	"pkt.systems/vkstream/schema"
)

// ClusterPolicy bounds assistant-message clustering.
type ClusterPolicy struct {
	MaxChars    int `json:"max_chars" mapstructure:"max_chars" yaml:"max_chars"`
	MaxMessages int `json:"max_messages" mapstructure:"max_messages" yaml:"max_messages"`
	MinMessages int `json:"min_messages" mapstructure:"min_messages" yaml:"min_messages"`
}

// DefaultClusterPolicy returns the caps tuned for verbose executors.
func DefaultClusterPolicy() ClusterPolicy {
	return ClusterPolicy{MaxChars: 5000, MaxMessages: 50, MinMessages: 2}
}

func (p ClusterPolicy) normalized() ClusterPolicy {
	def := DefaultClusterPolicy()
	if p.MaxChars <= 0 {
		p.MaxChars = def.MaxChars
	}
	if p.MaxMessages <= 0 {
		p.MaxMessages = def.MaxMessages
	}
	if p.MinMessages <= 0 {
		p.MinMessages = def.MinMessages
	}
	return p
}

type clustered struct {
	entry schema.LogEntry
	size  int
}

// Cluster merges runs of consecutive assistant messages from the same
// process into single entries joined by newlines. The input is not modified.
func Cluster(entries []schema.LogEntry, policy ClusterPolicy) []schema.LogEntry {
	groups := cluster(entries, policy)
	out := make([]schema.LogEntry, 0, len(groups))
	for _, group := range groups {
		out = append(out, group.entry)
	}
	return out
}

func cluster(entries []schema.LogEntry, policy ClusterPolicy) []clustered {
	policy = policy.normalized()
	out := make([]clustered, 0, len(entries))
	var (
		run   []schema.LogEntry
		chars int
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) < policy.MinMessages {
			for _, entry := range run {
				out = append(out, clustered{entry: entry, size: 1})
			}
		} else {
			out = append(out, clustered{entry: mergeRun(run), size: len(run)})
		}
		run = nil
		chars = 0
	}
	for _, entry := range entries {
		if !entry.IsAssistantMessage() {
			flush()
			out = append(out, clustered{entry: entry, size: 1})
			continue
		}
		length := utf8.RuneCountInString(entry.Payload.Entry.Content)
		if len(run) > 0 {
			joined := chars + 1 + length
			if run[0].ProcessID != entry.ProcessID || len(run) >= policy.MaxMessages || joined > policy.MaxChars {
				flush()
			}
		}
		if len(run) == 0 {
			chars = length
		} else {
			chars += 1 + length
		}
		run = append(run, entry)
	}
	flush()
	return out
}

func mergeRun(run []schema.LogEntry) schema.LogEntry {
	parts := make([]string, 0, len(run))
	for _, entry := range run {
		parts = append(parts, entry.Payload.Entry.Content)
	}
	first := run[0]
	merged := *first.Payload.Entry
	merged.Content = strings.Join(parts, "\n")
	first.Payload = schema.PatchValue{Type: schema.ValueNormalizedEntry, Entry: &merged}
	return first
}
