package session

import (
	"context"
	"sync"
)

// slot is a single-assignment value. The first resolve wins; Done is
// closed once it happens.
type slot[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func newSlot[T any]() *slot[T] {
	return &slot[T]{done: make(chan struct{})}
}

// resolve sets the value and reports whether this call was the one that
// set it.
func (s *slot[T]) resolve(v T) bool {
	won := false
	s.once.Do(func() {
		s.val = v
		close(s.done)
		won = true
	})
	return won
}

func (s *slot[T]) Done() <-chan struct{} { return s.done }

// value returns the value without blocking.
func (s *slot[T]) value() (T, bool) {
	select {
	case <-s.done:
		return s.val, true
	default:
		var zero T
		return zero, false
	}
}

func (s *slot[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Outcome is what became of an input handed to a session.
type Outcome string

const (
	// OutcomeUsed means a consumer started draining the run.
	OutcomeUsed Outcome = "used"
	// OutcomeSuperseded means a newer input replaced the run before anyone
	// drained it.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeCancelled means the run was stopped or the session closed
	// before anyone drained it.
	OutcomeCancelled Outcome = "cancelled"
)

// Ticket resolves exactly once with the Outcome of one input.
type Ticket struct {
	s *slot[Outcome]
}

func newTicket() *Ticket {
	return &Ticket{s: newSlot[Outcome]()}
}

// Wait blocks until the outcome is known or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	return t.s.wait(ctx)
}

// Done is closed once the outcome is known.
func (t *Ticket) Done() <-chan struct{} { return t.s.Done() }

// Outcome returns the outcome if it is known.
func (t *Ticket) Outcome() (Outcome, bool) { return t.s.value() }
