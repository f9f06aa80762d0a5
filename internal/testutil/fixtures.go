package testutil

import (
	"testing"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/store"
)

// CrewOption is a function that modifies a Crew for testing.
type CrewOption func(*crew.Crew)

// NewTestCrew creates a sequential crew of two tasks run by one agent.
func NewTestCrew(t *testing.T, h crew.Handler, opts ...CrewOption) *crew.Crew {
	t.Helper()

	c := &crew.Crew{
		Name: "test-crew",
		Agents: []*crew.Agent{
			{Name: "worker", Role: "Worker", Goal: "Finish the work", Handler: h},
		},
		Tasks: []*crew.Task{
			{Name: "first", Description: "Do the first thing", Agent: "worker"},
			{Name: "second", Description: "Do the second thing", Agent: "worker"},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithCrewName sets the crew name.
func WithCrewName(name string) CrewOption {
	return func(c *crew.Crew) {
		c.Name = name
	}
}

// WithTasks replaces the tasks of the crew.
func WithTasks(tasks ...*crew.Task) CrewOption {
	return func(c *crew.Crew) {
		c.Tasks = tasks
	}
}

// WithMemoryCheckpointer attaches an in-memory checkpoint saver.
func WithMemoryCheckpointer() CrewOption {
	return func(c *crew.Crew) {
		c.Checkpointer = checkpoint.NewMemorySaver()
	}
}

// WithMemoryStore attaches an in-memory store.
func WithMemoryStore() CrewOption {
	return func(c *crew.Crew) {
		c.Store = store.NewMemoryStore()
	}
}

// WithInterrupts sets the crew's interrupt configuration.
func WithInterrupts(cfg crew.InterruptConfig) CrewOption {
	return func(c *crew.Crew) {
		c.Interrupts = cfg
	}
}

// MustCompile compiles c or fails the test.
func MustCompile(t *testing.T, c *crew.Crew) *crew.Compiled {
	t.Helper()

	compiled, err := crew.Compile(c)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return compiled
}

// UserInput returns a graph input holding one user message.
func UserInput(text string) graph.Input {
	return graph.Input{Messages: []state.Message{state.UserMessage(text)}}
}
