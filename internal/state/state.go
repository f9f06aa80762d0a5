package state

import (
	"maps"
	"slices"
	"time"
)

// End is the node name that terminates a run.
const End = "__end__"

// TaskOutput records what a task node produced.
type TaskOutput struct {
	Task      string    `json:"task"`
	Agent     string    `json:"agent,omitempty"`
	Node      string    `json:"node"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the record threaded through every node of a run. Nodes receive a
// copy and describe changes through an Update; they never mutate entries.
type State struct {
	Messages       []Message      `json:"messages"`
	TaskOutputs    []TaskOutput   `json:"task_outputs,omitempty"`
	Continue       bool           `json:"continue"`
	ThreadID       string         `json:"thread_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	BackboneCursor int            `json:"backbone_cursor"`
}

// New returns an empty state for a thread.
func New(threadID, sessionID string) *State {
	return &State{
		Continue:  true,
		ThreadID:  threadID,
		SessionID: sessionID,
	}
}

// Clone returns a copy that shares no slices or maps with s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.TaskOutputs = slices.Clone(s.TaskOutputs)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// LastMessage returns the newest message.
func (s *State) LastMessage() (Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Output returns the output recorded for a task, newest first.
func (s *State) Output(task string) (TaskOutput, bool) {
	for i := len(s.TaskOutputs) - 1; i >= 0; i-- {
		if s.TaskOutputs[i].Task == task {
			return s.TaskOutputs[i], true
		}
	}
	return TaskOutput{}, false
}

// Update describes the changes a node makes. Zero fields leave state as is.
type Update struct {
	// Messages is reduced into the list with AddMessages.
	Messages []Message
	// TaskOutputs are appended.
	TaskOutputs []TaskOutput
	// Continue, when set, replaces the continuation flag.
	Continue *bool
	// Metadata keys are merged; a nil value deletes the key.
	Metadata map[string]any
	// BackboneCursor, when set, replaces the cursor.
	BackboneCursor *int
}

// Apply folds u into s.
func (s *State) Apply(u Update) {
	if u.Messages != nil {
		s.Messages = AddMessages(s.Messages, u.Messages)
	}
	if len(u.TaskOutputs) > 0 {
		s.TaskOutputs = append(slices.Clip(s.TaskOutputs), u.TaskOutputs...)
	}
	if u.Continue != nil {
		s.Continue = *u.Continue
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			if v == nil {
				delete(s.Metadata, k)
				continue
			}
			s.Metadata[k] = v
		}
	}
	if u.BackboneCursor != nil {
		s.BackboneCursor = *u.BackboneCursor
	}
}

// Bool returns a pointer to b, for Update fields.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i, for Update fields.
func Int(i int) *int { return &i }

// Command is what a node returns: an update, optionally paired with a
// routing directive naming the next node.
type Command struct {
	Update Update
	Goto   string
}

// Continue returns a command that applies u and follows the static edges.
func Continue(u Update) Command {
	return Command{Update: u}
}

// RouteTo returns a command that applies u and transfers control to node.
func RouteTo(node string, u Update) Command {
	return Command{Update: u, Goto: node}
}

// IsDirective reports whether the command names its successor.
func (c Command) IsDirective() bool {
	return c.Goto != ""
}
