package graph

import (
	"time"

	"github.com/HyphaGroup/crewflow/internal/state"
)

// EventKind classifies run events.
type EventKind string

const (
	EventRunStart   EventKind = "run_start"
	EventNodeStart  EventKind = "node_start"
	EventNodeStream EventKind = "node_stream"
	EventNodeEnd    EventKind = "node_end"
	EventInterrupt  EventKind = "interrupt"
	EventRunEnd     EventKind = "run_end"
)

// Run statuses reported in RunEnd.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusCancelled   = "cancelled"
)

// Event is one entry of a run's ordered event stream.
type Event struct {
	Kind      EventKind `json:"event"`
	Name      string    `json:"name"`
	Data      any       `json:"data,omitempty"`
	ParentIDs []string  `json:"parent_ids,omitempty"`
	RunID     string    `json:"run_id"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStart is the data of EventRunStart. State is the run's input state,
// with the new input already applied.
type RunStart struct {
	State *state.State `json:"state"`
}

// NodeEnd is the data of EventNodeEnd.
type NodeEnd struct {
	State *state.State `json:"state"`
	Next  string       `json:"next"`
	// Directive is set when the node named its successor.
	Directive bool `json:"directive,omitempty"`
}

// Interrupt is the data of EventInterrupt.
type Interrupt struct {
	Node string `json:"node"`
	When string `json:"when"` // "before" or "after"
	Next string `json:"next"`
}

// RunEnd is the data of EventRunEnd.
type RunEnd struct {
	Status string       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	State  *state.State `json:"state,omitempty"`
}

// StateOf returns the state snapshot carried by an event, if any.
func StateOf(ev Event) *state.State {
	switch d := ev.Data.(type) {
	case RunStart:
		return d.State
	case NodeEnd:
		return d.State
	case RunEnd:
		return d.State
	}
	return nil
}
