package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/google/uuid"
)

// DefaultQueueSize bounds the events a run buffers ahead of its consumer.
const DefaultQueueSize = 64

// RunSuperseded is the RunEnd status of a run replaced by newer input.
const RunSuperseded = "superseded"

// Reasons handed to the cancel hook by the session itself.
const (
	ReasonSuperseded    = "superseded by new input"
	ReasonClosed        = "session closed"
	ReasonConsumerGone  = "consumer stopped reading"
	ReasonStopped       = "stopped"
	ReasonContextCancel = "context cancelled"
)

var (
	ErrClosed          = errors.New("session closed")
	ErrRunning         = errors.New("a run is already in progress")
	ErrAlreadyDraining = errors.New("run is already being drained")
)

// Source produces the events of one run. crew.Compiled.Stream satisfies it.
type Source func(ctx context.Context, in graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error]

// CancelHook is called at most once per run that ends before its producer
// finished, with a non-empty reason and the last state the run reported.
type CancelHook func(reason string, last *state.State)

// Options configures a StreamingSession.
type Options struct {
	// Name is used as the event name of forced run_end events.
	Name      string
	QueueSize int
	OnCancel  CancelHook
	// OnBlocked is called every time the producer waits on a full queue.
	OnBlocked func()
	Logger    *slog.Logger
}

// Result is the forced outcome of a run that did not finish on its own.
type Result struct {
	Status string
	Reason string
}

// StreamingSession runs one Source at a time behind a bounded queue.
type StreamingSession struct {
	source Source
	opts   Options
	logger *slog.Logger

	// swap serializes Start, Supersede and Close; mu guards the fields.
	swap   sync.Mutex
	mu     sync.Mutex
	cur    *Run
	closed bool
}

// NewStreamingSession creates an idle session over source.
func NewStreamingSession(source Source, opts Options) *StreamingSession {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &StreamingSession{source: source, opts: opts, logger: l}
}

// Start launches a run. It fails if the current run's producer is still
// working; use Supersede to replace it.
func (s *StreamingSession) Start(ctx context.Context, in graph.Input, cfg graph.RunConfig) (*Run, error) {
	s.swap.Lock()
	defer s.swap.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.cur != nil && s.cur.Active() {
		return nil, ErrRunning
	}
	s.cur = s.launch(ctx, in, cfg)
	return s.cur, nil
}

// Supersede retires the current run, if any, and launches a new one. The old
// producer is cancelled and fully stopped, and its cancel hook has returned,
// before the new producer starts. The session lock is not held while the old
// run winds down, so Current and ForceTerminate stay responsive.
func (s *StreamingSession) Supersede(ctx context.Context, in graph.Input, cfg graph.RunConfig) (*Run, error) {
	s.swap.Lock()
	defer s.swap.Unlock()

	s.mu.Lock()
	closed, old := s.closed, s.cur
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if old != nil {
		old.retire(Result{Status: RunSuperseded, Reason: ReasonSuperseded}, OutcomeSuperseded)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = s.launch(ctx, in, cfg)
	return s.cur, nil
}

// ForceTerminate stops the current run with reason. It reports whether this
// call was the one that stopped it.
func (s *StreamingSession) ForceTerminate(reason string) bool {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return false
	}
	return r.ForceTerminate(reason)
}

// Current returns the most recent run, or nil.
func (s *StreamingSession) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Close retires the current run and rejects further input.
func (s *StreamingSession) Close() {
	s.swap.Lock()
	defer s.swap.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	r := s.cur
	s.mu.Unlock()

	if r != nil {
		r.retire(Result{Status: graph.StatusCancelled, Reason: ReasonClosed}, OutcomeCancelled)
	}
}

func (s *StreamingSession) launch(ctx context.Context, in graph.Input, cfg graph.RunConfig) *Run {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		id:        cfg.RunID,
		name:      s.opts.Name,
		queue:     make(chan item, s.opts.QueueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		stop:      newSlot[Result](),
		retired:   newSlot[Result](),
		ticket:    newTicket(),
		hook:      s.opts.OnCancel,
		onBlocked: s.opts.OnBlocked,
		logger:    s.logger.With("run_id", cfg.RunID),
	}
	go r.produce(runCtx, s.source(runCtx, in, cfg))
	return r
}

type item struct {
	ev       graph.Event
	err      error
	sentinel bool
}

// Run is one execution of the session's source.
type Run struct {
	id     string
	name   string
	queue  chan item
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	stop    *slot[Result]
	retired *slot[Result]
	ticket  *Ticket

	hook      CancelHook
	hookOnce  sync.Once
	onBlocked func()

	finished atomic.Bool
	draining atomic.Bool
	blocked  atomic.Int64
	last     atomic.Pointer[state.State]
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Ticket reports whether the run's input was ever drained.
func (r *Run) Ticket() *Ticket { return r.ticket }

// Done is closed once the producer has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// Active reports whether the producer is still working.
func (r *Run) Active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Finished reports whether the producer ran to completion and queued its
// final item.
func (r *Run) Finished() bool { return r.finished.Load() }

// Last returns the newest state snapshot the run reported.
func (r *Run) Last() *state.State { return r.last.Load() }

// RunStats describes the queue of a run.
type RunStats struct {
	QueueLen      int   `json:"queue_len"`
	QueueCap      int   `json:"queue_cap"`
	BlockedPushes int64 `json:"blocked_pushes"`
}

// Stats returns a snapshot of the queue.
func (r *Run) Stats() RunStats {
	return RunStats{
		QueueLen:      len(r.queue),
		QueueCap:      cap(r.queue),
		BlockedPushes: r.blocked.Load(),
	}
}

// ForceTerminate resolves the run's stop slot. Only the first call has an
// effect; it reports whether this call was it.
func (r *Run) ForceTerminate(reason string) bool {
	if reason == "" {
		reason = ReasonStopped
	}
	return r.stop.resolve(Result{Status: graph.StatusCancelled, Reason: reason})
}

func (r *Run) produce(ctx context.Context, events iter.Seq2[graph.Event, error]) {
	defer close(r.done)

	for ev, err := range events {
		if err != nil {
			// A cancelled producer leaves finalization to whoever cancelled it.
			if ctx.Err() != nil {
				return
			}
			if r.push(ctx, item{err: err}) {
				r.finished.Store(true)
			}
			return
		}
		if st := graph.StateOf(ev); st != nil {
			r.last.Store(st)
		}
		if !r.push(ctx, item{ev: ev}) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if r.push(ctx, item{sentinel: true}) {
		r.finished.Store(true)
	}
}

func (r *Run) push(ctx context.Context, it item) bool {
	select {
	case r.queue <- it:
		return true
	default:
	}

	r.blocked.Add(1)
	if r.onBlocked != nil {
		r.onBlocked()
	}
	select {
	case r.queue <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain yields the run's events in production order. It ends after the
// final event, the first error, or a forced run_end when the run is stopped
// or superseded before its producer finished. A run can be drained once.
func (r *Run) Drain() iter.Seq2[graph.Event, error] {
	return func(yield func(graph.Event, error) bool) {
		if !r.draining.CompareAndSwap(false, true) {
			yield(graph.Event{}, ErrAlreadyDraining)
			return
		}
		r.ticket.s.resolve(OutcomeUsed)

		for {
			select {
			case it := <-r.queue:
				if !r.deliver(it, yield) {
					return
				}
			case <-r.stop.Done():
				res, _ := r.stop.value()
				r.end(res, yield)
				return
			case <-r.retired.Done():
				res, _ := r.retired.value()
				r.end(res, yield)
				return
			case <-r.done:
				if r.finished.Load() {
					r.rest(yield)
					return
				}
				r.end(r.stopResult(), yield)
				return
			}
		}
	}
}

// deliver yields one queued item and reports whether draining continues.
func (r *Run) deliver(it item, yield func(graph.Event, error) bool) bool {
	switch {
	case it.sentinel:
		return false
	case it.err != nil:
		yield(graph.Event{}, it.err)
		return false
	}
	if !yield(it.ev, nil) {
		r.abandon()
		return false
	}
	return true
}

// rest delivers what a finished producer left in the queue.
func (r *Run) rest(yield func(graph.Event, error) bool) {
	for {
		select {
		case it := <-r.queue:
			if !r.deliver(it, yield) {
				return
			}
		default:
			return
		}
	}
}

// end finalizes a stopped or retired run. A producer that already finished
// wins and its real events are delivered instead of the forced result.
func (r *Run) end(res Result, yield func(graph.Event, error) bool) {
	r.cancel()
	<-r.done
	if r.finished.Load() {
		r.rest(yield)
		return
	}
	r.runHook(res.Reason)
	yield(r.forced(res), nil)
}

func (r *Run) abandon() {
	r.cancel()
	<-r.done
	if !r.finished.Load() {
		r.runHook(ReasonConsumerGone)
	}
}

// stopResult names the cause of a producer that exited early. The retired
// and stop slots are resolved before the producer is cancelled, so a
// consumer that sees done first still reports the session's reason.
func (r *Run) stopResult() Result {
	if res, ok := r.retired.value(); ok {
		return res
	}
	if res, ok := r.stop.value(); ok {
		return res
	}
	return Result{Status: graph.StatusCancelled, Reason: ReasonContextCancel}
}

// retire cancels the run on behalf of the session. The hook has run by the
// time it returns.
func (r *Run) retire(res Result, outcome Outcome) {
	r.retired.resolve(res)
	r.cancel()
	<-r.done
	if !r.finished.Load() {
		r.runHook(res.Reason)
	}
	r.ticket.s.resolve(outcome)
}

func (r *Run) runHook(reason string) {
	r.hookOnce.Do(func() {
		if r.hook == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("cancel hook panicked", "reason", reason, "panic", p)
			}
		}()
		r.hook(reason, r.last.Load())
	})
}

func (r *Run) forced(res Result) graph.Event {
	return graph.Event{
		Kind:      graph.EventRunEnd,
		Name:      r.name,
		RunID:     r.id,
		Timestamp: time.Now(),
		Data:      graph.RunEnd{Status: res.Status, Reason: res.Reason, State: r.last.Load()},
	}
}
