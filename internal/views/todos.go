package views

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"pkt.systems/vkstream/schema"
)

var todoToolNames = map[string]struct{}{
	"todowrite":   {},
	"todoread":    {},
	"todo":        {},
	"todos":       {},
	"todolist":    {},
	"updatetodos": {},
}

// Todo is one extracted todo item with a stable key built from its content
// and the ordinal of that content within the list.
type Todo struct {
	Key      string            `json:"key"`
	Content  string            `json:"content"`
	Status   schema.TodoStatus `json:"status"`
	Priority string            `json:"priority,omitempty"`
}

// TodoState is the latest todo list and when it last changed.
type TodoState struct {
	Items       []Todo    `json:"items"`
	LastUpdated time.Time `json:"last_updated"`
	SourceKey   string    `json:"source_key,omitempty"`
}

// IsTodoTool reports whether a log entry is a todo-list tool invocation.
func IsTodoTool(entry schema.LogEntry) bool {
	if entry.Payload.Kind() != schema.EntryToolUse {
		return false
	}
	typ := entry.Payload.Entry.EntryType
	if typ.ActionType != nil && typ.ActionType.Action == schema.ActionTodoManagement {
		return true
	}
	_, ok := todoToolNames[schema.NormalizeToolName(typ.ToolName)]
	return ok
}

// ExtractTodos returns the todo list from the most recent parseable todo
// tool invocation. When nothing parseable is found, or the list did not
// change, prev is returned unchanged.
func ExtractTodos(prev TodoState, entries []schema.LogEntry) TodoState {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !IsTodoTool(entry) {
			continue
		}
		items, ok := todoPayload(*entry.Payload.Entry)
		if !ok {
			continue
		}
		todos := keyTodos(items)
		if sameTodos(prev.Items, todos) {
			return prev
		}
		return TodoState{Items: todos, LastUpdated: entry.Timestamp, SourceKey: entry.Key()}
	}
	return prev
}

func todoPayload(entry schema.NormalizedEntry) ([]schema.TodoItem, bool) {
	if action := entry.EntryType.ActionType; action != nil {
		if len(action.Todos) > 0 {
			return action.Todos, true
		}
		switch strings.ToLower(action.Operation) {
		case "write", "update", "clear":
			return nil, true
		}
	}
	if items, ok := parseTodoJSON(entry.Metadata); ok {
		return items, true
	}
	return parseTodoJSON([]byte(entry.Content))
}

// parseTodoJSON accepts {"todos": [...]} or a bare list, optionally embedded
// in surrounding text, and repairs malformed JSON before giving up.
func parseTodoJSON(raw []byte) ([]schema.TodoItem, bool) {
	start := bytes.IndexAny(raw, "{[")
	if start < 0 {
		return nil, false
	}
	candidate := raw[start:]
	if items, ok := decodeTodos(candidate); ok {
		return items, true
	}
	repaired, err := jsonrepair.JSONRepair(string(candidate))
	if err != nil {
		return nil, false
	}
	return decodeTodos([]byte(repaired))
}

func decodeTodos(raw []byte) ([]schema.TodoItem, bool) {
	var wrapper struct {
		Todos *[]schema.TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Todos != nil {
		return *wrapper.Todos, true
	}
	var list []schema.TodoItem
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if strings.TrimSpace(item.Content) == "" {
				return nil, false
			}
		}
		return list, true
	}
	return nil, false
}

func keyTodos(items []schema.TodoItem) []Todo {
	out := make([]Todo, 0, len(items))
	ordinals := make(map[string]int, len(items))
	for _, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		ordinal := ordinals[content]
		ordinals[content] = ordinal + 1
		out = append(out, Todo{
			Key:      content + "#" + strconv.Itoa(ordinal),
			Content:  content,
			Status:   schema.NormalizeTodoStatus(string(item.Status)),
			Priority: item.Priority,
		})
	}
	return out
}

func sameTodos(a, b []Todo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
