// Package graph runs small directed graphs of nodes over a shared state.
//
// Exactly one node is active per step. A node returns a state.Command: its
// update is applied, and a directive in the command, when present, replaces
// the static edge for the successor of that step.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// Start is the virtual entry node.
const Start = "__start__"

// End is the virtual terminal node.
const End = state.End

// DefaultRecursionLimit bounds the number of steps in one run.
const DefaultRecursionLimit = 25

var (
	ErrInvalidGraph   = errors.New("invalid graph")
	ErrRecursionLimit = errors.New("recursion limit reached")
	ErrUnknownNode    = errors.New("unknown node")
)

// NodeFunc executes one node. st is a private copy of the run state.
type NodeFunc func(ctx context.Context, rt *Runtime, st *state.State) (state.Command, error)

// Builder accumulates nodes and edges. Errors are collected and reported
// together by Compile.
type Builder struct {
	nodes     map[string]NodeFunc
	nodeOrder []string
	edges     map[string]string
	entry     string
	errs      []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]string),
	}
}

// AddNode registers a node under a unique name.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	switch {
	case name == "":
		b.errs = append(b.errs, fmt.Errorf("node name must not be empty"))
	case name == Start || name == End:
		b.errs = append(b.errs, fmt.Errorf("node name %q is reserved", name))
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("node %q has no function", name))
	default:
		if _, exists := b.nodes[name]; exists {
			b.errs = append(b.errs, fmt.Errorf("duplicate node %q", name))
			break
		}
		b.nodes[name] = fn
		b.nodeOrder = append(b.nodeOrder, name)
	}
	return b
}

// AddEdge adds the static successor of from. An edge from Start sets the
// entry node. Each node has at most one static edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	if from == Start {
		return b.SetEntry(to)
	}
	if prev, exists := b.edges[from]; exists {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an edge to %q", from, prev))
		return b
	}
	b.edges[from] = to
	return b
}

// SetEntry sets the first node executed by a run.
func (b *Builder) SetEntry(name string) *Builder {
	if b.entry != "" && b.entry != name {
		b.errs = append(b.errs, fmt.Errorf("entry already set to %q", b.entry))
		return b
	}
	b.entry = name
	return b
}

// HasNode reports whether name is registered.
func (b *Builder) HasNode(name string) bool {
	_, ok := b.nodes[name]
	return ok
}

// CompileOptions configures a compiled graph.
type CompileOptions struct {
	Name            string
	InterruptBefore []string
	InterruptAfter  []string
	Checkpointer    checkpoint.Saver
	RecursionLimit  int
}

// Compile validates the builder and returns a runnable graph.
func (b *Builder) Compile(opts CompileOptions) (*Graph, error) {
	errs := append([]error(nil), b.errs...)

	if b.entry == "" {
		errs = append(errs, fmt.Errorf("no entry node"))
	} else if !b.HasNode(b.entry) {
		errs = append(errs, fmt.Errorf("entry %q: %w", b.entry, ErrUnknownNode))
	}
	for from, to := range b.edges {
		if !b.HasNode(from) {
			errs = append(errs, fmt.Errorf("edge source %q: %w", from, ErrUnknownNode))
		}
		if to != End && !b.HasNode(to) {
			errs = append(errs, fmt.Errorf("edge target %q: %w", to, ErrUnknownNode))
		}
	}

	before, err := b.nodeSet("interrupt_before", opts.InterruptBefore)
	if err != nil {
		errs = append(errs, err)
	}
	after, err := b.nodeSet("interrupt_after", opts.InterruptAfter)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}

	limit := opts.RecursionLimit
	if limit <= 0 {
		limit = DefaultRecursionLimit
	}

	nodes := make(map[string]NodeFunc, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}
	edges := make(map[string]string, len(b.edges))
	for k, v := range b.edges {
		edges[k] = v
	}

	return &Graph{
		name:   opts.Name,
		nodes:  nodes,
		order:  append([]string(nil), b.nodeOrder...),
		edges:  edges,
		entry:  b.entry,
		before: before,
		after:  after,
		saver:  opts.Checkpointer,
		limit:  limit,
	}, nil
}

func (b *Builder) nodeSet(field string, names []string) (map[string]bool, error) {
	set := make(map[string]bool, len(names))
	var errs []error
	for _, name := range names {
		if !b.HasNode(name) {
			errs = append(errs, fmt.Errorf("%s %q: %w", field, name, ErrUnknownNode))
			continue
		}
		set[name] = true
	}
	return set, errors.Join(errs...)
}
