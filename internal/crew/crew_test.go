package crew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// recorder collects the nodes handlers ran in, in order.
type recorder struct {
	mu    sync.Mutex
	nodes []string
}

func (r *recorder) add(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, node)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.nodes)
}

func replier(rec *recorder) Handler {
	return HandlerFunc(func(_ context.Context, c *Call) (state.Command, error) {
		rec.add(c.Node)
		return c.Reply("from " + c.Name()), nil
	})
}

func run(t *testing.T, c *Compiled, input string) *state.State {
	t.Helper()
	st, status, err := c.Graph().Invoke(context.Background(),
		graph.Input{Messages: []state.Message{state.UserMessage(input)}},
		graph.RunConfig{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if status != graph.StatusCompleted {
		t.Fatalf("status = %q, want %q", status, graph.StatusCompleted)
	}
	return st
}

func TestNameUnits(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		names []string
		want  []string
	}{
		{"named", KindTask, []string{"a", "b"}, []string{"task__a", "task__b"}},
		{"unnamed", KindAgent, []string{"", "x", ""}, []string{"agent__#0", "agent__x", "agent__#2"}},
		{"duplicate", KindTask, []string{"x", "x", "x"}, []string{"task__x", "task__#1", "task__#2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NameUnits(tt.kind, tt.names)
			if !slices.Equal(got, tt.want) {
				t.Errorf("NameUnits() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCollectInterrupts(t *testing.T) {
	units := []UnitRef{
		{Name: "a", Node: "task__a", Before: true},
		{Name: "b", Node: "task__b", After: true},
		{Name: "c", Node: "task__c"},
	}
	cfg := InterruptConfig{
		Before:      []string{"a", "c", "missing"},
		After:       []string{"b"},
		BeforeNodes: []string{"task__a", "router"},
	}

	got := CollectInterrupts(units, cfg)

	if want := []string{"task__a", "task__c", "router"}; !slices.Equal(got.Before, want) {
		t.Errorf("Before = %v, want %v", got.Before, want)
	}
	if want := []string{"task__b"}; !slices.Equal(got.After, want) {
		t.Errorf("After = %v, want %v", got.After, want)
	}
}

func TestSequentialTasks(t *testing.T) {
	rec := &recorder{}
	c, err := Compile(&Crew{
		Name:   "seq",
		Agents: []*Agent{{Name: "writer", Handler: replier(rec)}},
		Tasks: []*Task{
			{Name: "T1", Agent: "writer"},
			{Name: "T2", Agent: "writer", Context: []string{"T1"}},
			{Name: "T3"},
		},
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if c.Variant() != VariantSequential {
		t.Fatalf("Variant() = %q, want %q", c.Variant(), VariantSequential)
	}

	st := run(t, c, "go")

	if want := []string{"task__T1", "task__T2", "task__T3"}; !slices.Equal(rec.got(), want) {
		t.Errorf("ran %v, want %v", rec.got(), want)
	}
	if len(st.TaskOutputs) != 3 {
		t.Fatalf("TaskOutputs = %d, want 3", len(st.TaskOutputs))
	}
	out, ok := st.Output("T3")
	if !ok || out.Output != "from T3" || out.Agent != "writer" {
		t.Errorf("Output(T3) = %+v, %v", out, ok)
	}
	if len(st.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(st.Messages))
	}
}

func TestSequentialAgents(t *testing.T) {
	rec := &recorder{}
	c, err := Compile(&Crew{Agents: []*Agent{
		{Name: "a", Handler: replier(rec)},
		{Name: "a", Handler: replier(rec)},
	}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	run(t, c, "go")
	if want := []string{"agent__a", "agent__#1"}; !slices.Equal(rec.got(), want) {
		t.Errorf("ran %v, want %v", rec.got(), want)
	}
}

func TestTaskContext(t *testing.T) {
	var got []state.TaskOutput
	c, err := Compile(&Crew{Tasks: []*Task{
		{Name: "research", Handler: HandlerFunc(func(_ context.Context, c *Call) (state.Command, error) {
			return c.Reply("facts"), nil
		})},
		{Name: "write", Context: []string{"research"}, Handler: HandlerFunc(func(_ context.Context, c *Call) (state.Command, error) {
			got = c.Context
			return c.Reply("essay"), nil
		})},
	}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	run(t, c, "go")
	if len(got) != 1 || got[0].Output != "facts" {
		t.Errorf("Context = %+v, want research output", got)
	}
}

func TestDynamicHandoff(t *testing.T) {
	rec := &recorder{}
	c, err := Compile(&Crew{
		Agents: []*Agent{
			{Name: "triage", HandoffTo: []string{"billing"}, Handler: HandlerFunc(func(ctx context.Context, c *Call) (state.Command, error) {
				rec.add(c.Node)
				return c.Handoff(ctx, "billing", "refund request")
			})},
			{Name: "billing", Handler: replier(rec)},
		},
		Tasks: []*Task{{Name: "ignored", Handler: replier(rec)}},
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if c.Variant() != VariantDynamicHandoff {
		t.Fatalf("Variant() = %q", c.Variant())
	}

	st := run(t, c, "my card was charged twice")

	if want := []string{"agent__triage", "agent__billing"}; !slices.Equal(rec.got(), want) {
		t.Errorf("ran %v, want %v", rec.got(), want)
	}
	// user, assistant tool call, tool result, billing reply
	if len(st.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(st.Messages))
	}
	if got := st.Messages[2].HandoffTarget(); got != "agent__billing" {
		t.Errorf("HandoffTarget() = %q, want agent__billing", got)
	}
	if !strings.Contains(st.Messages[2].Content, "refund request") {
		t.Errorf("tool content = %q", st.Messages[2].Content)
	}
	if len(state.PendingToolCalls(st.Messages)) != 0 {
		t.Error("handoff left a pending tool call")
	}
}

func TestDynamicHandoffEntry(t *testing.T) {
	noop := replier(&recorder{})
	tests := []struct {
		name   string
		agents []*Agent
		want   string
	}{
		{"first with handoff", []*Agent{
			{Name: "a", Handler: noop},
			{Name: "b", HandoffTo: []string{"a"}, Handler: noop},
		}, "agent__b"},
		{"explicit entry", []*Agent{
			{Name: "a", HandoffTo: []string{"b"}, Handler: noop},
			{Name: "b", Entry: true, Handler: noop},
		}, "agent__b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(&Crew{Agents: tt.agents})
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := c.Describe().Entry; got != tt.want {
				t.Errorf("Entry = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackboneRouter(t *testing.T) {
	rec := &recorder{}
	var cursorInC int
	detour := true
	c, err := Compile(&Crew{Tasks: []*Task{
		{Name: "A", HandoffTo: []string{"C"}, Handler: HandlerFunc(func(ctx context.Context, c *Call) (state.Command, error) {
			rec.add(c.Node)
			if detour {
				return c.Handoff(ctx, "C", "")
			}
			return c.Reply("a"), nil
		})},
		{Name: "B", Handler: replier(rec)},
		{Name: "C", Handler: HandlerFunc(func(_ context.Context, c *Call) (state.Command, error) {
			rec.add(c.Node)
			cursorInC = c.State.BackboneCursor
			return c.Reply("c"), nil
		})},
	}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if c.Variant() != VariantBackboneRouter {
		t.Fatalf("Variant() = %q", c.Variant())
	}
	if want := []string{"task__A", "task__B"}; !slices.Equal(c.Backbone(), want) {
		t.Fatalf("Backbone() = %v, want %v", c.Backbone(), want)
	}

	run(t, c, "go")
	if want := []string{"task__A", "task__C", "task__B"}; !slices.Equal(rec.got(), want) {
		t.Errorf("with detour ran %v, want %v", rec.got(), want)
	}
	if cursorInC != 1 {
		t.Errorf("cursor in C = %d, want 1", cursorInC)
	}

	rec.nodes = nil
	detour = false
	run(t, c, "go")
	if want := []string{"task__A", "task__B"}; !slices.Equal(rec.got(), want) {
		t.Errorf("without detour ran %v, want %v", rec.got(), want)
	}
}

func TestCompileErrors(t *testing.T) {
	noop := replier(&recorder{})
	tests := []struct {
		name string
		crew *Crew
	}{
		{"nil crew", nil},
		{"no units", &Crew{}},
		{"both handoff levels", &Crew{
			Agents: []*Agent{{Name: "a", HandoffTo: []string{"b"}, Handler: noop}, {Name: "b", Handler: noop}},
			Tasks:  []*Task{{Name: "x", HandoffTo: []string{"y"}, Agent: "a"}, {Name: "y", Agent: "a"}},
		}},
		{"unknown agent handoff", &Crew{Agents: []*Agent{{Name: "a", HandoffTo: []string{"zz"}, Handler: noop}}}},
		{"unknown task handoff", &Crew{Tasks: []*Task{{Name: "x", HandoffTo: []string{"zz"}, Handler: noop}}}},
		{"unknown task agent", &Crew{Tasks: []*Task{{Name: "x", Agent: "ghost", Handler: noop}}}},
		{"unknown context", &Crew{Tasks: []*Task{{Name: "x", Context: []string{"ghost"}, Handler: noop}}}},
		{"reserved name", &Crew{Tasks: []*Task{{Name: "#1", Handler: noop}}}},
		{"no handler", &Crew{Tasks: []*Task{{Name: "x"}}}},
		{"two entries", &Crew{Agents: []*Agent{
			{Name: "a", Entry: true, HandoffTo: []string{"b"}, Handler: noop},
			{Name: "b", Entry: true, Handler: noop},
		}}},
		{"all tasks are targets", &Crew{Tasks: []*Task{
			{Name: "x", HandoffTo: []string{"y"}, Handler: noop},
			{Name: "y", HandoffTo: []string{"x"}, Handler: noop},
		}}},
		{"unknown interrupt node", &Crew{
			Tasks:      []*Task{{Name: "x", Handler: noop}},
			Interrupts: InterruptConfig{BeforeNodes: []string{"task__nope"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.crew)
			if err == nil {
				t.Fatal("Compile() error = nil, want configuration error")
			}
			if !IsConfigurationError(err) {
				t.Errorf("error %v is not a ConfigurationError", err)
			}
		})
	}
}

func TestNoUnitsWrapsSentinel(t *testing.T) {
	_, err := Compile(&Crew{Name: "empty"})
	if !errors.Is(err, ErrNoUnits) {
		t.Errorf("error = %v, want ErrNoUnits", err)
	}
}

func TestUnknownInterruptUnitIgnored(t *testing.T) {
	c, err := Compile(&Crew{
		Tasks:      []*Task{{Name: "x", InterruptAfter: true, Handler: replier(&recorder{})}},
		Interrupts: InterruptConfig{Before: []string{"nobody"}},
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	got := c.Interrupts()
	if len(got.Before) != 0 || !slices.Equal(got.After, []string{"task__x"}) {
		t.Errorf("Interrupts() = %+v", got)
	}
}

func TestAgentInterruptsIgnoredForTaskNodes(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
	}{
		{"sequential", []*Task{{Name: "T1"}, {Name: "T2"}}},
		{"backbone", []*Task{{Name: "T1", HandoffTo: []string{"T2"}}, {Name: "T2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c, err := Compile(&Crew{
				Agents: []*Agent{{Name: "writer", InterruptBefore: true, Handler: replier(&recorder{})}},
				Tasks:  tt.tasks,
				Logger: slog.New(slog.NewTextHandler(&buf, nil)),
			})
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := c.Interrupts(); len(got.Before) != 0 {
				t.Errorf("Interrupts().Before = %v, want none", got.Before)
			}
			if out := buf.String(); !strings.Contains(out, "agent interrupt flags are ignored") || !strings.Contains(out, "agent=writer") {
				t.Errorf("log = %q, want a warning naming agent writer", out)
			}
		})
	}
}

func TestUnitExecutionError(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		handler Handler
	}{
		{"error", HandlerFunc(func(context.Context, *Call) (state.Command, error) { return state.Command{}, boom })},
		{"panic", HandlerFunc(func(context.Context, *Call) (state.Command, error) { panic("bad") })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(&Crew{Tasks: []*Task{{Name: "x", Handler: tt.handler}}})
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			_, _, err = c.Graph().Invoke(context.Background(), graph.Input{}, graph.RunConfig{})
			var ue *UnitExecutionError
			if !errors.As(err, &ue) {
				t.Fatalf("error = %v, want UnitExecutionError", err)
			}
			if ue.Node != "task__x" {
				t.Errorf("Node = %q, want task__x", ue.Node)
			}
		})
	}
}

func TestDroppedMessagesAreDeleted(t *testing.T) {
	c, err := Compile(&Crew{Agents: []*Agent{{Name: "summarizer", Handler: HandlerFunc(func(_ context.Context, c *Call) (state.Command, error) {
		return state.Continue(state.Update{Messages: []state.Message{state.AssistantMessage(c.Name(), "summary")}}), nil
	})}}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	st := run(t, c, "a very long story")
	if len(st.Messages) != 1 || st.Messages[0].Content != "summary" {
		t.Errorf("messages = %+v, want only the summary", st.Messages)
	}
}

func TestRunTools(t *testing.T) {
	echo := Tool{
		Name: "echo",
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
	call := &Call{
		Node:  "agent__a",
		State: state.New("t", ""),
		Tools: []Tool{echo, HandoffTool("b", "agent__b"), HandoffTool("c", "agent__c")},
	}

	tests := []struct {
		name      string
		calls     []state.ToolCall
		wantGoto  string
		wantFirst string
	}{
		{"plain tool", []state.ToolCall{{ID: "1", Name: "echo", Args: json.RawMessage(`{"x":1}`)}}, "", `{"x":1}`},
		{"first handoff wins", []state.ToolCall{
			{ID: "1", Name: "transfer_to_c"},
			{ID: "2", Name: "transfer_to_b"},
		}, "agent__c", "Transferred to agent__c"},
		{"repaired arguments", []state.ToolCall{{ID: "1", Name: "transfer_to_b", Args: json.RawMessage(`{reason: 'urgent'`)}}, "agent__b", "Transferred to agent__b: urgent"},
		{"invalid arguments", []state.ToolCall{{ID: "1", Name: "transfer_to_b", Args: json.RawMessage(`{"reason": 5}`)}}, "", "invalid arguments"},
		{"unknown tool", []state.ToolCall{{ID: "1", Name: "nope"}}, "", `unknown tool "nope"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := state.AssistantMessage("a", "")
			msg.ToolCalls = tt.calls
			cmd, err := call.RunTools(context.Background(), msg)
			if err != nil {
				t.Fatalf("RunTools() error = %v", err)
			}
			if cmd.Goto != tt.wantGoto {
				t.Errorf("Goto = %q, want %q", cmd.Goto, tt.wantGoto)
			}
			msgs := cmd.Update.Messages
			if len(msgs) != 1+len(tt.calls) {
				t.Fatalf("messages = %d, want %d", len(msgs), 1+len(tt.calls))
			}
			if !strings.HasPrefix(msgs[1].Content, tt.wantFirst) {
				t.Errorf("first result = %q, want prefix %q", msgs[1].Content, tt.wantFirst)
			}
		})
	}
}

func TestHandoffUnknownTarget(t *testing.T) {
	call := &Call{Node: "agent__a", State: state.New("t", "")}
	if _, err := call.Handoff(context.Background(), "b", ""); err == nil {
		t.Error("Handoff() error = nil, want error for undeclared target")
	}
}
