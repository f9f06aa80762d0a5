package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/HyphaGroup/crewflow/internal/state"
)

// HandoffToolPrefix prefixes the name of every handoff tool.
const HandoffToolPrefix = "transfer_to_"

// Tool is a callable a unit's handler may invoke through Call.RunTools.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Run         func(ctx context.Context, args json.RawMessage) (string, error)

	// target is the node a handoff tool transfers control to.
	target string
}

// Target returns the node a handoff tool routes to, or "" for plain tools.
func (t Tool) Target() string { return t.target }

type handoffArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"why control is being transferred"`
}

var handoffSchema = mustSchema[handoffArgs]()

func mustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("jsonschema for %T: %v", *new(T), err))
	}
	return s
}

// HandoffTool returns the tool that transfers control to the unit named
// unit, registered under node.
func HandoffTool(unit, node string) Tool {
	return Tool{
		Name:        HandoffToolName(unit),
		Description: fmt.Sprintf("Transfer control to %s.", unit),
		InputSchema: handoffSchema,
		target:      node,
	}
}

// HandoffToolName returns the name of the handoff tool for unit.
func HandoffToolName(unit string) string {
	return HandoffToolPrefix + toolSafe(unit)
}

func toolSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// normalizeArgs returns args as valid JSON, repairing malformed model output.
func normalizeArgs(args json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage("{}"), nil
	}
	if json.Valid(args) {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(args))
	if err != nil {
		return nil, fmt.Errorf("repair arguments: %w", err)
	}
	return json.RawMessage(repaired), nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return err
	}
	return resolved.Validate(instance)
}

// invoke runs one tool call and returns its result message and, for a
// handoff tool, the node to transfer to.
func (t Tool) invoke(ctx context.Context, tc state.ToolCall) (state.Message, string, error) {
	args, err := normalizeArgs(tc.Args)
	if err == nil {
		err = validateArgs(t.InputSchema, args)
	}
	if err != nil {
		return state.ToolMessage(tc.ID, t.Name, "invalid arguments: "+err.Error()), "", nil
	}

	if t.target != "" {
		var a handoffArgs
		_ = json.Unmarshal(args, &a)
		content := "Transferred to " + t.target
		if a.Reason != "" {
			content += ": " + a.Reason
		}
		msg := state.ToolMessage(tc.ID, t.Name, content)
		msg.Metadata = map[string]any{state.MetaHandoffTo: t.target}
		return msg, t.target, nil
	}

	if t.Run == nil {
		return state.ToolMessage(tc.ID, t.Name, "tool has no implementation"), "", nil
	}
	out, err := t.Run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return state.Message{}, "", ctx.Err()
		}
		return state.ToolMessage(tc.ID, t.Name, "error: "+err.Error()), "", nil
	}
	return state.ToolMessage(tc.ID, t.Name, out), "", nil
}
