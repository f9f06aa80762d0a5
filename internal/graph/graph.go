package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/google/uuid"
)

// Graph is a compiled, immutable graph. It is safe for concurrent runs.
type Graph struct {
	name   string
	nodes  map[string]NodeFunc
	order  []string
	edges  map[string]string
	entry  string
	before map[string]bool
	after  map[string]bool
	saver  checkpoint.Saver
	limit  int
}

// Name returns the graph name given at compile time.
func (g *Graph) Name() string { return g.name }

// Entry returns the first node of a run.
func (g *Graph) Entry() string { return g.entry }

// Nodes returns node names in registration order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.order...) }

// Edges returns a copy of the static edges.
func (g *Graph) Edges() map[string]string {
	out := make(map[string]string, len(g.edges))
	for k, v := range g.edges {
		out[k] = v
	}
	return out
}

// InterruptBefore reports whether a run pauses before node.
func (g *Graph) InterruptBefore(node string) bool { return g.before[node] }

// InterruptAfter reports whether a run pauses after node.
func (g *Graph) InterruptAfter(node string) bool { return g.after[node] }

// Input starts or continues a run.
type Input struct {
	Messages []state.Message
	Metadata map[string]any
}

// RunConfig identifies a run.
type RunConfig struct {
	ThreadID  string
	SessionID string
	RunID     string
	// Resume continues from the node recorded in the latest checkpoint of
	// the thread instead of starting at the entry node.
	Resume bool
}

// Runtime is handed to a node while it executes.
type Runtime struct {
	Node     string
	RunID    string
	ThreadID string
	Step     int

	emit func(data any) bool
}

// Emit forwards a chunk to the event stream as EventNodeStream. It returns
// false once the consumer stopped reading.
func (rt *Runtime) Emit(data any) bool {
	if rt == nil || rt.emit == nil {
		return true
	}
	return rt.emit(data)
}

// Stream runs the graph and yields its events in order. Iteration stops
// after EventRunEnd or the first error. Cancelling ctx stops the run at the
// next step boundary, or inside a node that honours ctx.
func (g *Graph) Stream(ctx context.Context, in Input, cfg RunConfig) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		r, err := g.prepare(ctx, in, cfg)
		if err != nil {
			yield(Event{}, err)
			return
		}
		r.loop(ctx, yield)
	}
}

// Invoke runs the graph to its end and returns the final state and status.
func (g *Graph) Invoke(ctx context.Context, in Input, cfg RunConfig) (*state.State, string, error) {
	var end RunEnd
	for ev, err := range g.Stream(ctx, in, cfg) {
		if err != nil {
			return nil, "", err
		}
		if d, ok := ev.Data.(RunEnd); ok {
			end = d
		}
	}
	return end.State, end.Status, nil
}

type run struct {
	g          *Graph
	id         string
	cfg        RunConfig
	st         *state.State
	next       string
	step       int
	skipBefore bool
}

func (g *Graph) prepare(ctx context.Context, in Input, cfg RunConfig) (*run, error) {
	r := &run{g: g, cfg: cfg, id: cfg.RunID, next: g.entry}
	if r.id == "" {
		r.id = uuid.NewString()
	}

	var latest *checkpoint.Checkpoint
	if g.saver != nil && cfg.ThreadID != "" {
		cp, err := g.saver.Latest(ctx, cfg.ThreadID)
		switch {
		case err == nil:
			latest = cp
		case !errors.Is(err, checkpoint.ErrCheckpointNotFound):
			return nil, fmt.Errorf("loading checkpoint for thread %s: %w", cfg.ThreadID, err)
		}
	}

	switch {
	case latest != nil && cfg.Resume && latest.Next != End:
		r.st = latest.State
		r.next = latest.Next
		r.step = latest.Step
		r.skipBefore = latest.Reason == reasonInterruptBefore
	case latest != nil:
		// A new turn on an existing thread keeps the history.
		r.st = latest.State
		r.st.TaskOutputs = nil
		r.st.BackboneCursor = 0
	default:
		r.st = state.New(cfg.ThreadID, cfg.SessionID)
	}
	if r.st == nil {
		r.st = state.New(cfg.ThreadID, cfg.SessionID)
	}
	r.st.Continue = true
	if cfg.SessionID != "" {
		r.st.SessionID = cfg.SessionID
	}
	r.st.Apply(state.Update{Messages: in.Messages, Metadata: in.Metadata})
	return r, nil
}

func (r *run) event(kind EventKind, name string, data any, parents ...string) Event {
	return Event{
		Kind:      kind,
		Name:      name,
		Data:      data,
		ParentIDs: parents,
		RunID:     r.id,
		Step:      r.step,
		Timestamp: time.Now(),
	}
}

func (r *run) loop(ctx context.Context, yield func(Event, error) bool) {
	g := r.g
	if !yield(r.event(EventRunStart, g.name, RunStart{State: r.st.Clone()}), nil) {
		return
	}

	limitSteps := r.step + g.limit
	for r.next != End {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		if r.step >= limitSteps {
			yield(Event{}, fmt.Errorf("%w: %d steps", ErrRecursionLimit, g.limit))
			return
		}

		node := r.next
		if g.before[node] && !r.skipBefore {
			r.interrupt(ctx, yield, Interrupt{Node: node, When: "before", Next: node})
			return
		}
		r.skipBefore = false

		if !yield(r.event(EventNodeStart, node, nil, r.id), nil) {
			return
		}

		stopped := false
		rt := &Runtime{
			Node:     node,
			RunID:    r.id,
			ThreadID: r.cfg.ThreadID,
			Step:     r.step,
			emit: func(data any) bool {
				if stopped {
					return false
				}
				if !yield(r.event(EventNodeStream, node, data, r.id, node), nil) {
					stopped = true
				}
				return !stopped
			},
		}

		cmd, err := g.nodes[node](ctx, rt, r.st.Clone())
		if stopped {
			return
		}
		if err != nil {
			yield(Event{}, err)
			return
		}

		r.st.Apply(cmd.Update)
		r.step++

		// The directive is the pending slot of this step; it is consumed
		// here and wins over the static edge.
		succ, err := g.successor(node, cmd.Goto)
		if err != nil {
			yield(Event{}, err)
			return
		}
		if !r.st.Continue {
			succ = End
		}

		if err := r.save(ctx, succ, ""); err != nil {
			yield(Event{}, err)
			return
		}
		end := NodeEnd{State: r.st.Clone(), Next: succ, Directive: cmd.IsDirective()}
		if !yield(r.event(EventNodeEnd, node, end, r.id), nil) {
			return
		}

		if g.after[node] && succ != End {
			r.next = succ
			r.interrupt(ctx, yield, Interrupt{Node: node, When: "after", Next: succ})
			return
		}
		r.next = succ
	}

	yield(r.event(EventRunEnd, g.name, RunEnd{Status: StatusCompleted, State: r.st.Clone()}), nil)
}

func (g *Graph) successor(node, directive string) (string, error) {
	if directive != "" {
		if directive != End {
			if _, ok := g.nodes[directive]; !ok {
				return "", fmt.Errorf("node %s routed to %q: %w", node, directive, ErrUnknownNode)
			}
		}
		return directive, nil
	}
	if to, ok := g.edges[node]; ok {
		return to, nil
	}
	return End, nil
}

func (r *run) interrupt(ctx context.Context, yield func(Event, error) bool, in Interrupt) {
	if err := r.save(ctx, in.Next, "interrupt_"+in.When); err != nil {
		yield(Event{}, err)
		return
	}
	if !yield(r.event(EventInterrupt, in.Node, in, r.id), nil) {
		return
	}
	yield(r.event(EventRunEnd, r.g.name, RunEnd{Status: StatusInterrupted, State: r.st.Clone()}), nil)
}

const reasonInterruptBefore = "interrupt_before"

func (r *run) save(ctx context.Context, next, reason string) error {
	if r.g.saver == nil || r.cfg.ThreadID == "" {
		return nil
	}
	cp := &checkpoint.Checkpoint{
		ThreadID:    r.cfg.ThreadID,
		RunID:       r.id,
		Step:        r.step,
		Next:        next,
		Interrupted: reason != "",
		Reason:      reason,
		State:       r.st.Clone(),
	}
	if err := r.g.saver.Put(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}
