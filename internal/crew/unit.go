package crew

import (
	"log/slog"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/store"
)

// Kind is the kind of an execution unit.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTask  Kind = "task"
)

// Agent is an execution unit acting under a role.
type Agent struct {
	Name      string
	Role      string
	Goal      string
	Backstory string
	Tools     []Tool
	// HandoffTo names agents this agent may transfer control to.
	HandoffTo []string
	// Entry marks the first agent of a dynamic handoff crew.
	Entry           bool
	InterruptBefore bool
	InterruptAfter  bool
	Handler         Handler
}

// Task is an execution unit with a concrete deliverable, run by an agent.
type Task struct {
	Name           string
	Description    string
	ExpectedOutput string
	// Agent names the owning agent. Its handler runs the task unless the
	// task has its own.
	Agent string
	// HandoffTo names tasks this task may transfer control to.
	HandoffTo []string
	// Context names upstream tasks whose outputs the task receives.
	Context         []string
	InterruptBefore bool
	InterruptAfter  bool
	Handler         Handler
}

// InterruptConfig lists pause points by unit name and by node name.
type InterruptConfig struct {
	Before      []string
	After       []string
	BeforeNodes []string
	AfterNodes  []string
}

// Crew is the declarative input of Compile.
type Crew struct {
	Name       string
	Agents     []*Agent
	Tasks      []*Task
	Interrupts InterruptConfig

	// Graph bypasses topology selection: its nodes are used as given.
	Graph *graph.Builder

	Checkpointer   checkpoint.Saver
	Store          store.Store
	RecursionLimit int
	Logger         *slog.Logger
}

func (c *Crew) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
