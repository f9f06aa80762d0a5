package state

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys set on messages by the runtime.
const (
	MetaHandoffTo = "handoff_to"
	MetaSynthetic = "synthetic"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is one entry of the conversation history. IDs are unique within a
// message list.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Remove marks a deletion marker: AddMessages drops the entry with ID.
	Remove bool `json:"remove,omitempty"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// AssistantMessage creates an assistant message attributed to name.
func AssistantMessage(name, content string) Message {
	m := NewMessage(RoleAssistant, content)
	m.Name = name
	return m
}

// ToolMessage creates the result message for a tool call.
func ToolMessage(callID, name, content string) Message {
	m := NewMessage(RoleTool, content)
	m.ToolCallID = callID
	m.Name = name
	return m
}

// RemoveMessage creates a deletion marker for the message with id.
func RemoveMessage(id string) Message {
	return Message{ID: id, Remove: true}
}

// HandoffTarget returns the handoff marker attached by a handoff tool, if any.
func (m Message) HandoffTarget() string {
	if m.Metadata == nil {
		return ""
	}
	target, _ := m.Metadata[MetaHandoffTo].(string)
	return target
}

// AddMessages merges incoming into current and returns a new list.
//
// Incoming messages without an ID get one. A message whose ID already exists
// replaces that entry at its position. Deletion markers drop the entry with
// the same ID; markers for unknown IDs are ignored. current is never modified.
func AddMessages(current, incoming []Message) []Message {
	out := make([]Message, len(current), len(current)+len(incoming))
	copy(out, current)

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}

	removed := make(map[string]bool)
	for _, m := range incoming {
		if m.Remove {
			if _, ok := index[m.ID]; ok {
				removed[m.ID] = true
			}
			continue
		}
		if m.ID == "" {
			m.ID = NewID()
		}
		if i, ok := index[m.ID]; ok {
			out[i] = m
			delete(removed, m.ID)
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}

	if len(removed) == 0 {
		return out
	}
	kept := out[:0]
	for _, m := range out {
		if !removed[m.ID] {
			kept = append(kept, m)
		}
	}
	return kept
}

// Synchronize reconciles a unit's resulting message list with the list it
// started from. It returns a deletion marker for every ID of pre that result
// no longer carries, followed by result in its original order. Markers already
// present in result count as carrying their ID, so applying Synchronize to
// its own output yields the same list.
func Synchronize(pre, result []Message) []Message {
	present := make(map[string]struct{}, len(result))
	for _, m := range result {
		if m.ID != "" {
			present[m.ID] = struct{}{}
		}
	}

	var markers []Message
	for _, m := range pre {
		if m.ID == "" {
			continue
		}
		if _, ok := present[m.ID]; !ok {
			markers = append(markers, RemoveMessage(m.ID))
			present[m.ID] = struct{}{}
		}
	}

	out := make([]Message, 0, len(markers)+len(result))
	out = append(out, markers...)
	return append(out, result...)
}

// CancelledToolResult is the content of synthetic tool results.
const CancelledToolResult = "cancelled"

// PendingToolCalls returns the tool calls that have no matching tool result.
func PendingToolCalls(messages []Message) []ToolCall {
	answered := answeredCalls(messages)
	var pending []ToolCall
	for _, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				pending = append(pending, tc)
			}
		}
	}
	return pending
}

// ReconcileToolCalls pairs every outstanding tool call with a synthetic
// "cancelled" result placed after the assistant message and its existing
// tool results. The input is not modified.
func ReconcileToolCalls(messages []Message) []Message {
	answered := answeredCalls(messages)
	out := make([]Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		out = append(out, m)
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for i+1 < len(messages) && messages[i+1].Role == RoleTool {
			i++
			out = append(out, messages[i])
		}
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				continue
			}
			synthetic := ToolMessage(tc.ID, tc.Name, CancelledToolResult)
			synthetic.Metadata = map[string]any{MetaSynthetic: true}
			out = append(out, synthetic)
			answered[tc.ID] = true
		}
	}
	return out
}

func answeredCalls(messages []Message) map[string]bool {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	return answered
}
