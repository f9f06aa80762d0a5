package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// MockHandler is a test double for crew.Handler.
// It records calls and allows configuring responses for testing.
type MockHandler struct {
	mu sync.Mutex

	// Configurable responses
	Reply  string
	Err    error
	Chunks []string
	// Block, when set, makes Invoke wait until it is closed or ctx ends.
	Block chan struct{}

	// Call tracking
	Calls []HandlerCall

	started chan string
}

// HandlerCall records an Invoke call.
type HandlerCall struct {
	Node     string
	Messages int
}

var _ crew.Handler = (*MockHandler)(nil)

// NewMockHandler creates a new mock handler with sensible defaults.
func NewMockHandler(t *testing.T) *MockHandler {
	t.Helper()
	return &MockHandler{
		Reply:   "ok",
		started: make(chan string, 64),
	}
}

// Invoke implements crew.Handler.
func (m *MockHandler) Invoke(ctx context.Context, call *crew.Call) (state.Command, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, HandlerCall{Node: call.Node, Messages: len(call.State.Messages)})
	reply, err, chunks, block := m.Reply, m.Err, m.Chunks, m.Block
	m.mu.Unlock()

	select {
	case m.started <- call.Node:
	default:
	}

	for _, c := range chunks {
		if !call.Emit(c) {
			return state.Command{}, context.Canceled
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return state.Command{}, ctx.Err()
		}
	}
	if err != nil {
		return state.Command{}, err
	}
	return call.Reply(reply), nil
}

// Started receives the node name each time Invoke is entered.
func (m *MockHandler) Started() <-chan string {
	return m.started
}

// CallCount returns the number of Invoke calls.
func (m *MockHandler) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Nodes returns the nodes Invoke was called for, in order.
func (m *MockHandler) Nodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Node
	}
	return slices.Clip(out)
}
