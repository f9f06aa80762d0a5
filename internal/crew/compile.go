package crew

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// Variant identifies the topology Compile selected.
type Variant string

const (
	VariantSequential     Variant = "sequential"
	VariantDynamicHandoff Variant = "dynamic_handoff"
	VariantBackboneRouter Variant = "backbone_router"
	VariantExplicit       Variant = "explicit"
)

// RouterNode drives the backbone of a BackboneRouter graph.
const RouterNode = "router"

type unit struct {
	kind    Kind
	name    string
	node    string
	agent   *Agent
	task    *Task
	handler Handler
	tools   []Tool
	handoff []string
}

func (u *unit) ref() UnitRef {
	r := UnitRef{Name: u.name, Node: u.node}
	switch u.kind {
	case KindAgent:
		r.Before, r.After = u.agent.InterruptBefore, u.agent.InterruptAfter
	case KindTask:
		r.Before, r.After = u.task.InterruptBefore, u.task.InterruptAfter
	}
	return r
}

type compiler struct {
	crew   *Crew
	logger *slog.Logger

	agents      []*unit
	tasks       []*unit
	agentByName map[string]*unit
	taskByName  map[string]*unit
}

// Compile turns a crew into a runnable graph. The topology follows from
// the handoff declarations: none gives a sequential chain, agent handoffs
// give dynamic handoff, task handoffs give a backbone with a router.
func Compile(c *Crew) (*Compiled, error) {
	if c == nil {
		return nil, configErrorf("nil crew")
	}
	cc := &compiler{
		crew:        c,
		logger:      c.logger().With("crew", c.Name),
		agentByName: make(map[string]*unit),
		taskByName:  make(map[string]*unit),
	}

	if c.Graph != nil {
		return cc.compileExplicit()
	}
	if len(c.Agents) == 0 && len(c.Tasks) == 0 {
		return nil, &ConfigurationError{Reason: "crew " + c.Name, Err: ErrNoUnits}
	}
	if err := cc.register(); err != nil {
		return nil, err
	}

	agentHandoff := false
	for _, u := range cc.agents {
		agentHandoff = agentHandoff || len(u.agent.HandoffTo) > 0
	}
	taskHandoff := false
	for _, u := range cc.tasks {
		taskHandoff = taskHandoff || len(u.task.HandoffTo) > 0
	}

	switch {
	case agentHandoff && taskHandoff:
		return nil, configErrorf("handoffs are declared on both agents and tasks; pick one level")
	case agentHandoff:
		return cc.compileDynamic()
	case taskHandoff:
		return cc.compileBackbone()
	default:
		return cc.compileSequential()
	}
}

func (cc *compiler) register() error {
	c := cc.crew

	names := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		if a == nil {
			return configErrorf("agent %d is nil", i)
		}
		if err := validateUnitName(KindAgent, a.Name); err != nil {
			return err
		}
		names[i] = a.Name
	}
	for i, node := range NameUnits(KindAgent, names) {
		a := c.Agents[i]
		u := &unit{kind: KindAgent, name: a.Name, node: node, agent: a, handler: a.Handler}
		u.tools = append(u.tools, a.Tools...)
		cc.agents = append(cc.agents, u)
		if a.Name != "" && cc.agentByName[a.Name] == nil {
			cc.agentByName[a.Name] = u
		}
	}

	names = make([]string, len(c.Tasks))
	for i, t := range c.Tasks {
		if t == nil {
			return configErrorf("task %d is nil", i)
		}
		if err := validateUnitName(KindTask, t.Name); err != nil {
			return err
		}
		names[i] = t.Name
	}
	for i, node := range NameUnits(KindTask, names) {
		t := c.Tasks[i]
		u := &unit{kind: KindTask, name: t.Name, node: node, task: t, handler: t.Handler}

		owner := cc.agentByName[t.Agent]
		switch {
		case t.Agent != "" && owner == nil:
			return configErrorf("task %q: unknown agent %q", t.Name, t.Agent)
		case t.Agent == "" && len(cc.agents) == 1:
			owner = cc.agents[0]
		}
		if owner != nil {
			u.agent = owner.agent
			u.tools = append(u.tools, owner.agent.Tools...)
			if u.handler == nil {
				u.handler = owner.handler
			}
		}

		cc.tasks = append(cc.tasks, u)
		if t.Name != "" && cc.taskByName[t.Name] == nil {
			cc.taskByName[t.Name] = u
		}
	}

	for _, u := range cc.tasks {
		for _, name := range u.task.Context {
			if cc.taskByName[name] == nil {
				return configErrorf("task %q: unknown context task %q", u.name, name)
			}
		}
	}
	return nil
}

func (cc *compiler) resolveHandoffs(units []*unit, byName map[string]*unit, targets func(*unit) []string) error {
	for _, u := range units {
		for _, name := range targets(u) {
			to := byName[name]
			if to == nil {
				return configErrorf("%s %q: unknown handoff target %q", u.kind, u.name, name)
			}
			u.handoff = append(u.handoff, to.node)
			u.tools = append(u.tools, HandoffTool(name, to.node))
		}
	}
	return nil
}

func (cc *compiler) compileSequential() (*Compiled, error) {
	units := cc.tasks
	if len(units) == 0 {
		units = cc.agents
	} else {
		cc.warnAgentInterrupts()
	}

	b := graph.NewBuilder()
	prev := graph.Start
	for _, u := range units {
		fn, err := cc.nodeFunc(u)
		if err != nil {
			return nil, err
		}
		b.AddNode(u.node, fn).AddEdge(prev, u.node)
		prev = u.node
	}
	b.AddEdge(prev, graph.End)

	return cc.finish(b, VariantSequential, units, nil, 0)
}

func (cc *compiler) compileDynamic() (*Compiled, error) {
	if len(cc.tasks) > 0 {
		cc.logger.Warn("tasks are ignored when agents declare handoffs", "tasks", len(cc.tasks))
	}
	err := cc.resolveHandoffs(cc.agents, cc.agentByName, func(u *unit) []string { return u.agent.HandoffTo })
	if err != nil {
		return nil, err
	}

	var entry *unit
	for _, u := range cc.agents {
		if !u.agent.Entry {
			continue
		}
		if entry != nil {
			return nil, configErrorf("agents %q and %q are both marked as entry", entry.name, u.name)
		}
		entry = u
	}
	if entry == nil {
		for _, u := range cc.agents {
			if len(u.handoff) > 0 {
				entry = u
				break
			}
		}
	}
	if entry == nil {
		return nil, configErrorf("no entry agent")
	}

	b := graph.NewBuilder()
	for _, u := range cc.agents {
		fn, err := cc.nodeFunc(u)
		if err != nil {
			return nil, err
		}
		b.AddNode(u.node, fn)
	}
	b.AddEdge(graph.Start, entry.node)

	return cc.finish(b, VariantDynamicHandoff, cc.agents, nil, 0)
}

func (cc *compiler) compileBackbone() (*Compiled, error) {
	cc.warnAgentInterrupts()
	err := cc.resolveHandoffs(cc.tasks, cc.taskByName, func(u *unit) []string { return u.task.HandoffTo })
	if err != nil {
		return nil, err
	}

	targets := make(map[string]bool)
	for _, u := range cc.tasks {
		for _, node := range u.handoff {
			targets[node] = true
		}
	}
	var backbone []string
	for _, u := range cc.tasks {
		if !targets[u.node] {
			backbone = append(backbone, u.node)
		}
	}
	if len(backbone) == 0 {
		return nil, configErrorf("every task is a handoff target; nothing left for the backbone")
	}

	b := graph.NewBuilder()
	b.AddNode(RouterNode, routeBackbone(backbone)).AddEdge(graph.Start, RouterNode)
	for _, u := range cc.tasks {
		fn, err := cc.nodeFunc(u)
		if err != nil {
			return nil, err
		}
		b.AddNode(u.node, fn).AddEdge(u.node, RouterNode)
	}

	// Each task may be visited once through the router and once as a
	// handoff target.
	minLimit := 2*len(cc.tasks) + 2
	return cc.finish(b, VariantBackboneRouter, cc.tasks, backbone, minLimit)
}

// warnAgentInterrupts reports agent interrupt flags that have no node to
// attach to because the crew's tasks are the nodes.
func (cc *compiler) warnAgentInterrupts() {
	for _, u := range cc.agents {
		if u.agent.InterruptBefore || u.agent.InterruptAfter {
			cc.logger.Warn("agent interrupt flags are ignored when tasks are the nodes; set them on the tasks", "agent", u.name)
		}
	}
}

func (cc *compiler) compileExplicit() (*Compiled, error) {
	if len(cc.crew.Agents) > 0 || len(cc.crew.Tasks) > 0 {
		cc.logger.Warn("agents and tasks are ignored when an explicit graph is given")
	}
	return cc.finish(cc.crew.Graph, VariantExplicit, nil, nil, 0)
}

// routeBackbone returns the router node: it sends control to the backbone
// task at the cursor and advances it, or ends the run past the last one.
func routeBackbone(backbone []string) graph.NodeFunc {
	return func(_ context.Context, _ *graph.Runtime, st *state.State) (state.Command, error) {
		i := max(st.BackboneCursor, 0)
		if i >= len(backbone) {
			return state.RouteTo(graph.End, state.Update{}), nil
		}
		return state.RouteTo(backbone[i], state.Update{BackboneCursor: state.Int(i + 1)}), nil
	}
}

func (cc *compiler) finish(b *graph.Builder, v Variant, units []*unit, backbone []string, minLimit int) (*Compiled, error) {
	refs := make([]UnitRef, len(units))
	for i, u := range units {
		refs[i] = u.ref()
	}
	interrupts := CollectInterrupts(refs, cc.crew.Interrupts)

	limit := cc.crew.RecursionLimit
	if limit <= 0 {
		limit = max(graph.DefaultRecursionLimit, minLimit)
	}

	g, err := b.Compile(graph.CompileOptions{
		Name:            cc.crew.Name,
		InterruptBefore: interrupts.Before,
		InterruptAfter:  interrupts.After,
		Checkpointer:    cc.crew.Checkpointer,
		RecursionLimit:  limit,
	})
	if err != nil {
		return nil, &ConfigurationError{Reason: "crew " + cc.crew.Name, Err: err}
	}

	nodes := make([]NodeInfo, 0, len(units))
	for _, u := range units {
		info := NodeInfo{Node: u.node, Kind: u.kind, Unit: u.name, HandoffTo: u.handoff}
		if u.kind == KindTask && u.agent != nil {
			info.Agent = u.agent.Name
		}
		for _, t := range u.tools {
			info.Tools = append(info.Tools, t.Name)
		}
		nodes = append(nodes, info)
	}

	cc.logger.Debug("crew compiled", "variant", v, "entry", g.Entry(), "nodes", len(g.Nodes()))
	return &Compiled{
		graph:      g,
		variant:    v,
		nodes:      nodes,
		backbone:   backbone,
		interrupts: interrupts,
	}, nil
}

func (cc *compiler) nodeFunc(u *unit) (graph.NodeFunc, error) {
	if u.handler == nil {
		return nil, configErrorf("%s %q has no handler", u.kind, u.name)
	}
	crewName := cc.crew.Name
	st := cc.crew.Store
	logger := cc.logger.With("node", u.node)

	return func(ctx context.Context, rt *graph.Runtime, snap *state.State) (cmd state.Command, err error) {
		call := &Call{
			Crew:   crewName,
			Node:   u.node,
			Kind:   u.kind,
			Agent:  u.agent,
			Task:   u.task,
			State:  snap,
			Tools:  u.tools,
			Store:  st,
			Logger: logger,
			rt:     rt,
		}
		if u.task != nil {
			for _, name := range u.task.Context {
				if out, ok := snap.Output(name); ok {
					call.Context = append(call.Context, out)
				}
			}
		}

		pre := snap.Messages
		cmd, err = invoke(ctx, u.handler, call)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return state.Command{}, ctxErr
			}
			return state.Command{}, &UnitExecutionError{Node: u.node, Err: err}
		}

		if cmd.Update.Messages != nil {
			result := cmd.Update.Messages
			cmd.Update.Messages = state.Synchronize(pre, result)
			if u.kind == KindTask {
				if out, ok := newestReply(pre, result); ok {
					to := state.TaskOutput{Task: u.name, Node: u.node, Output: out, CreatedAt: time.Now()}
					if u.agent != nil {
						to.Agent = u.agent.Name
					}
					cmd.Update.TaskOutputs = append(cmd.Update.TaskOutputs, to)
				}
			}
		}
		return cmd, nil
	}, nil
}

func invoke(ctx context.Context, h Handler, call *Call) (cmd state.Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			call.Logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Invoke(ctx, call)
}

// newestReply returns the content of the newest assistant message in result
// that was not already in pre.
func newestReply(pre, result []state.Message) (string, bool) {
	seen := make(map[string]bool, len(pre))
	for _, m := range pre {
		seen[m.ID] = true
	}
	for i := len(result) - 1; i >= 0; i-- {
		m := result[i]
		if m.Remove || m.Role != state.RoleAssistant || m.Content == "" {
			continue
		}
		if m.ID == "" || !seen[m.ID] {
			return m.Content, true
		}
	}
	return "", false
}

// Compiled is a crew ready to run.
type Compiled struct {
	graph      *graph.Graph
	variant    Variant
	nodes      []NodeInfo
	backbone   []string
	interrupts InterruptSet
}

// NodeInfo describes one unit node of a compiled crew.
type NodeInfo struct {
	Node      string   `json:"node"`
	Kind      Kind     `json:"kind"`
	Unit      string   `json:"unit,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	HandoffTo []string `json:"handoff_to,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// Graph returns the underlying graph.
func (c *Compiled) Graph() *graph.Graph { return c.graph }

// Variant returns the selected topology.
func (c *Compiled) Variant() Variant { return c.variant }

// Interrupts returns the pause points of the graph.
func (c *Compiled) Interrupts() InterruptSet { return c.interrupts }

// Nodes returns the unit nodes in declaration order.
func (c *Compiled) Nodes() []NodeInfo { return append([]NodeInfo(nil), c.nodes...) }

// Backbone returns the ordered backbone nodes of a BackboneRouter crew.
func (c *Compiled) Backbone() []string { return append([]string(nil), c.backbone...) }

// Stream runs the crew; see graph.Graph.Stream.
func (c *Compiled) Stream(ctx context.Context, in graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error] {
	return c.graph.Stream(ctx, in, cfg)
}

// Description is the inspectable shape of a compiled crew.
type Description struct {
	Name       string            `json:"name"`
	Variant    Variant           `json:"variant"`
	Entry      string            `json:"entry"`
	Nodes      []string          `json:"nodes"`
	Edges      map[string]string `json:"edges"`
	Units      []NodeInfo        `json:"units,omitempty"`
	Backbone   []string          `json:"backbone,omitempty"`
	Interrupts InterruptSet      `json:"interrupts"`
}

// Describe returns the shape of the compiled crew.
func (c *Compiled) Describe() Description {
	return Description{
		Name:       c.graph.Name(),
		Variant:    c.variant,
		Entry:      c.graph.Entry(),
		Nodes:      c.graph.Nodes(),
		Edges:      c.graph.Edges(),
		Units:      c.nodes,
		Backbone:   c.Backbone(),
		Interrupts: c.interrupts,
	}
}
