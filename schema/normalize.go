package schema

import (
	"strings"
	"unicode"
)

// ValidateProcessID ensures a process id is non-empty and limited to
// letters, digits, '-' and '_' so it is safe in URL paths and log fields.
func ValidateProcessID(id ProcessID) error {
	if !validID(string(id)) {
		return ErrInvalidRequest
	}
	return nil
}

// ValidateAttemptID applies the same rules as ValidateProcessID.
func ValidateAttemptID(id AttemptID) error {
	if !validID(string(id)) {
		return ErrInvalidRequest
	}
	return nil
}

func validID(raw string) bool {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return false
	}
	for _, r := range raw {
		if r == '-' || r == '_' {
			continue
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// NormalizeToolName lowercases a tool name and strips separators so that
// "TodoWrite", "todo_write" and "todo-write" compare equal.
func NormalizeToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r == '_' || r == '-' || r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
