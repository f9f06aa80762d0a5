package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/store"
)

// Handler executes a unit.
//
// The command's Update.Messages is the full message list the unit ends
// with, not a delta: the compiler diffs it against the list the unit was
// given and deletes whatever the unit dropped. A non-empty Goto names the
// node to transfer control to.
type Handler interface {
	Invoke(ctx context.Context, call *Call) (state.Command, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (state.Command, error)

func (f HandlerFunc) Invoke(ctx context.Context, call *Call) (state.Command, error) {
	return f(ctx, call)
}

// Call carries everything a handler sees for one execution of a unit.
type Call struct {
	Crew  string
	Node  string
	Kind  Kind
	Agent *Agent
	Task  *Task
	// State is a private snapshot; mutating it has no effect.
	State *state.State
	// Context holds the outputs of the task's upstream context tasks.
	Context []state.TaskOutput
	Tools   []Tool
	Store   store.Store
	Logger  *slog.Logger

	rt *graph.Runtime
}

// Name returns the unit's name.
func (c *Call) Name() string {
	if c.Task != nil {
		return c.Task.Name
	}
	if c.Agent != nil {
		return c.Agent.Name
	}
	return c.Node
}

// Messages returns a copy of the message list the unit was given.
func (c *Call) Messages() []state.Message {
	return slices.Clone(c.State.Messages)
}

// Emit streams a chunk to the session. It returns false once nobody reads.
func (c *Call) Emit(chunk any) bool {
	return c.rt.Emit(chunk)
}

// Namespace returns the store namespace private to the crew.
func (c *Call) Namespace(parts ...string) []string {
	return append([]string{"crews", c.Crew}, parts...)
}

// Tool looks up one of the unit's tools by name.
func (c *Call) Tool(name string) (Tool, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Reply returns a command that appends an assistant message and follows
// the static edges.
func (c *Call) Reply(content string) state.Command {
	msgs := append(c.Messages(), state.AssistantMessage(c.Name(), content))
	return state.Continue(state.Update{Messages: msgs})
}

// Finish is Reply that also ends the run.
func (c *Call) Finish(content string) state.Command {
	cmd := c.Reply(content)
	cmd.Update.Continue = state.Bool(false)
	return cmd
}

// Handoff calls the handoff tool for unit as the model would: an assistant
// message requesting the call, followed by the tool's result.
func (c *Call) Handoff(ctx context.Context, unit, reason string) (state.Command, error) {
	name := HandoffToolName(unit)
	if _, ok := c.Tool(name); !ok {
		return state.Command{}, fmt.Errorf("%s cannot hand off to %q", c.Node, unit)
	}
	args, err := json.Marshal(handoffArgs{Reason: reason})
	if err != nil {
		return state.Command{}, err
	}
	msg := state.AssistantMessage(c.Name(), "")
	msg.ToolCalls = []state.ToolCall{{ID: "call_" + uuid.New().String()[:8], Name: name, Args: args}}
	return c.RunTools(ctx, msg)
}

// RunTools appends assistant and the results of its tool calls. The first
// handoff wins; later handoffs in the same message are answered but not
// followed.
func (c *Call) RunTools(ctx context.Context, assistant state.Message) (state.Command, error) {
	if assistant.ID == "" {
		assistant.ID = state.NewID()
	}
	if assistant.Role == "" {
		assistant.Role = state.RoleAssistant
	}
	msgs := append(c.Messages(), assistant)

	var target string
	for _, tc := range assistant.ToolCalls {
		if err := ctx.Err(); err != nil {
			return state.Command{}, err
		}
		tool, ok := c.Tool(tc.Name)
		if !ok {
			msgs = append(msgs, state.ToolMessage(tc.ID, tc.Name, fmt.Sprintf("unknown tool %q", tc.Name)))
			continue
		}
		if tool.target != "" && target != "" {
			msgs = append(msgs, state.ToolMessage(tc.ID, tc.Name, "ignored: control already transferred to "+target))
			continue
		}
		result, to, err := tool.invoke(ctx, tc)
		if err != nil {
			return state.Command{}, err
		}
		msgs = append(msgs, result)
		if to != "" {
			target = to
		}
	}
	return state.RouteTo(target, state.Update{Messages: msgs}), nil
}
