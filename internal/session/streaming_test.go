package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted yields run_start, a node_end per step and then either run_end or,
// when block is set, waits for cancellation.
type scripted struct {
	steps   int
	block   bool
	fail    error
	reached chan struct{}

	produced atomic.Int64
	onStart  func()
}

func (s *scripted) source(ctx context.Context, _ graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error] {
	return func(yield func(graph.Event, error) bool) {
		if s.onStart != nil {
			s.onStart()
		}
		if !yield(graph.Event{Kind: graph.EventRunStart, Name: "test", RunID: cfg.RunID}, nil) {
			return
		}
		var last *state.State
		for i := 0; i < s.steps; i++ {
			s.produced.Add(1)
			last = stepState(cfg.ThreadID, i)
			ev := graph.Event{Kind: graph.EventNodeEnd, Name: fmt.Sprintf("n%d", i), RunID: cfg.RunID, Data: graph.NodeEnd{State: last}}
			if !yield(ev, nil) {
				return
			}
		}
		if s.fail != nil {
			yield(graph.Event{}, s.fail)
			return
		}
		if s.block {
			if s.reached != nil {
				close(s.reached)
			}
			<-ctx.Done()
			yield(graph.Event{}, ctx.Err())
			return
		}
		yield(graph.Event{Kind: graph.EventRunEnd, Name: "test", RunID: cfg.RunID, Data: graph.RunEnd{Status: graph.StatusCompleted, State: last}}, nil)
	}
}

func stepState(threadID string, step int) *state.State {
	st := state.New(threadID, "")
	st.Metadata = map[string]any{"step": step}
	return st
}

type hookRecorder struct {
	mu      sync.Mutex
	reasons []string
	last    []*state.State
}

func (h *hookRecorder) hook(reason string, last *state.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
	h.last = append(h.last, last)
}

func (h *hookRecorder) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reasons...)
}

func collect(t *testing.T, run *Run) ([]graph.Event, error) {
	t.Helper()
	var events []graph.Event
	for ev, err := range run.Drain() {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func lastRunEnd(t *testing.T, events []graph.Event) graph.RunEnd {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	end, ok := last.Data.(graph.RunEnd)
	if last.Kind != graph.EventRunEnd || !ok {
		t.Fatalf("last event = %v, want run_end", last.Kind)
	}
	return end
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestStreamingSession_DrainInOrder(t *testing.T) {
	src := &scripted{steps: 5}
	s := NewStreamingSession(src.source, Options{})
	defer s.Close()

	run, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	if len(events) != 7 {
		t.Fatalf("got %d events, want 7", len(events))
	}
	for i := 0; i < 5; i++ {
		if got, want := events[i+1].Name, fmt.Sprintf("n%d", i); got != want {
			t.Errorf("events[%d] = %s, want %s", i+1, got, want)
		}
	}
	if end := lastRunEnd(t, events); end.Status != graph.StatusCompleted {
		t.Errorf("status = %s, want completed", end.Status)
	}
	if out, _ := run.Ticket().Outcome(); out != OutcomeUsed {
		t.Errorf("ticket = %q, want %q", out, OutcomeUsed)
	}
	waitFor(t, run.Done())
	if !run.Finished() {
		t.Error("Finished() = false after full drain")
	}
}

func TestStreamingSession_FinishedRunWinsOverLateStop(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{steps: 3}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	run, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, run.Done())
	if !run.Finished() {
		t.Fatal("producer did not finish")
	}

	if !s.ForceTerminate("late stop") {
		t.Error("ForceTerminate() = false, want true for first call")
	}
	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events, want all 5 real events", len(events))
	}
	end := lastRunEnd(t, events)
	if end.Status != graph.StatusCompleted || end.Reason != "" {
		t.Errorf("run_end = %+v, want the real completed event", end)
	}
	if calls := hooks.calls(); len(calls) != 0 {
		t.Errorf("cancel hook called %v, want no calls", calls)
	}
}

func TestStreamingSession_ForceTerminate(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{steps: 2, block: true, reached: make(chan struct{})}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	run, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, src.reached)

	if !run.ForceTerminate("user stop") {
		t.Fatal("first ForceTerminate() = false")
	}
	if run.ForceTerminate("again") {
		t.Error("second ForceTerminate() = true, want no-op")
	}

	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	end := lastRunEnd(t, events)
	if end.Status != graph.StatusCancelled || end.Reason != "user stop" {
		t.Errorf("run_end = %s/%q, want cancelled/\"user stop\"", end.Status, end.Reason)
	}
	if end.State == nil || end.State.Metadata["step"] != 1 {
		t.Errorf("forced state = %+v, want the last reported state", end.State)
	}

	calls := hooks.calls()
	if len(calls) != 1 || calls[0] != "user stop" {
		t.Fatalf("hook calls = %v, want [user stop]", calls)
	}
	if hooks.last[0] == nil || hooks.last[0].Metadata["step"] != 1 {
		t.Errorf("hook state = %+v, want step 1", hooks.last[0])
	}
	if run.Finished() {
		t.Error("cancelled producer reported Finished()")
	}
}

func TestStreamingSession_ForceTerminateDefaultReason(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{block: true, reached: make(chan struct{})}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	run, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	waitFor(t, src.reached)
	s.ForceTerminate("")

	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if end := lastRunEnd(t, events); end.Reason != ReasonStopped {
		t.Errorf("reason = %q, want %q", end.Reason, ReasonStopped)
	}
	if calls := hooks.calls(); len(calls) != 1 || calls[0] == "" {
		t.Errorf("hook calls = %v, want one non-empty reason", calls)
	}
}

func TestStreamingSession_SupersedeHookRunsBeforeNewProducer(t *testing.T) {
	var (
		mu      sync.Mutex
		log     []string
		reasons []string
	)
	first := &scripted{steps: 1, block: true, reached: make(chan struct{})}
	second := &scripted{steps: 1, onStart: func() {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, "second started")
	}}

	var calls atomic.Int32
	source := func(ctx context.Context, in graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error] {
		if calls.Add(1) == 1 {
			return first.source(ctx, in, cfg)
		}
		return second.source(ctx, in, cfg)
	}
	hook := func(reason string, _ *state.State) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
		log = append(log, "hook")
	}

	s := NewStreamingSession(source, Options{OnCancel: hook})
	defer s.Close()

	old, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, first.reached)

	run, err := s.Supersede(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}
	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if end := lastRunEnd(t, events); end.Status != graph.StatusCompleted {
		t.Errorf("new run status = %s, want completed", end.Status)
	}

	mu.Lock()
	gotLog := append([]string(nil), log...)
	gotReasons := append([]string(nil), reasons...)
	mu.Unlock()
	if len(gotLog) != 2 || gotLog[0] != "hook" || gotLog[1] != "second started" {
		t.Errorf("order = %v, want [hook second started]", gotLog)
	}
	if len(gotReasons) != 1 || gotReasons[0] == "" {
		t.Errorf("hook reasons = %v, want exactly one non-empty reason", gotReasons)
	}

	if out, _ := old.Ticket().Outcome(); out != OutcomeSuperseded {
		t.Errorf("old ticket = %q, want %q", out, OutcomeSuperseded)
	}
	if out, _ := run.Ticket().Outcome(); out != OutcomeUsed {
		t.Errorf("new ticket = %q, want %q", out, OutcomeUsed)
	}

	oldEvents, err := collect(t, old)
	if err != nil {
		t.Fatalf("old Drain() error = %v", err)
	}
	if end := lastRunEnd(t, oldEvents); end.Status != RunSuperseded {
		t.Errorf("old run status = %s, want %s", end.Status, RunSuperseded)
	}
}

func TestStreamingSession_SupersedeDrainedRunKeepsUsedTicket(t *testing.T) {
	src := &scripted{steps: 1, block: true, reached: make(chan struct{})}
	hooks := &hookRecorder{}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	old, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	waitFor(t, src.reached)

	drained := make(chan []graph.Event)
	go func() {
		var events []graph.Event
		for ev, err := range old.Drain() {
			if err == nil {
				events = append(events, ev)
			}
		}
		drained <- events
	}()
	waitFor(t, old.Ticket().Done())

	src.block = false
	run, err := s.Supersede(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}

	events := <-drained
	if end := lastRunEnd(t, events); end.Status != RunSuperseded || end.Reason != ReasonSuperseded {
		t.Errorf("old run_end = %s/%q, want superseded", end.Status, end.Reason)
	}
	if out, _ := old.Ticket().Outcome(); out != OutcomeUsed {
		t.Errorf("old ticket = %q, want %q", out, OutcomeUsed)
	}
	if got := hooks.calls(); len(got) != 1 || got[0] != ReasonSuperseded {
		t.Errorf("hook reasons = %q, want [%q]", got, ReasonSuperseded)
	}
	if _, err := collect(t, run); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestStreamingSession_CloseDrainedRun(t *testing.T) {
	src := &scripted{steps: 1, block: true, reached: make(chan struct{})}
	hooks := &hookRecorder{}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})

	run, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	waitFor(t, src.reached)

	drained := make(chan []graph.Event)
	go func() {
		var events []graph.Event
		for ev, err := range run.Drain() {
			if err == nil {
				events = append(events, ev)
			}
		}
		drained <- events
	}()
	waitFor(t, run.Ticket().Done())

	s.Close()
	events := <-drained
	if end := lastRunEnd(t, events); end.Status != graph.StatusCancelled || end.Reason != ReasonClosed {
		t.Errorf("run_end = %s/%q, want cancelled/%q", end.Status, end.Reason, ReasonClosed)
	}
	if got := hooks.calls(); len(got) != 1 || got[0] != ReasonClosed {
		t.Errorf("hook reasons = %q, want [%q]", got, ReasonClosed)
	}
}

func TestStreamingSession_SupersedeKeepsSessionResponsive(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	// The first producer ignores cancellation until released.
	stubborn := func(ctx context.Context, _ graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error] {
		return func(yield func(graph.Event, error) bool) {
			if !yield(graph.Event{Kind: graph.EventRunStart, Name: "test", RunID: cfg.RunID}, nil) {
				return
			}
			close(reached)
			<-release
		}
	}
	next := &scripted{steps: 1}
	var calls atomic.Int32
	source := func(ctx context.Context, in graph.Input, cfg graph.RunConfig) iter.Seq2[graph.Event, error] {
		if calls.Add(1) == 1 {
			return stubborn(ctx, in, cfg)
		}
		return next.source(ctx, in, cfg)
	}
	s := NewStreamingSession(source, Options{})
	defer s.Close()

	old, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, reached)

	superseded := make(chan *Run, 1)
	go func() {
		run, err := s.Supersede(context.Background(), graph.Input{}, graph.RunConfig{})
		if err != nil {
			t.Errorf("Supersede() error = %v", err)
		}
		superseded <- run
	}()
	waitFor(t, old.retired.Done())

	queried := make(chan *Run, 1)
	go func() {
		s.ForceTerminate("impatient")
		queried <- s.Current()
	}()
	select {
	case cur := <-queried:
		if cur != old {
			t.Errorf("Current() during supersede = %v, want the old run", cur)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Current() blocked while the old run was winding down")
	}

	close(release)
	var run *Run
	select {
	case run = <-superseded:
	case <-time.After(5 * time.Second):
		t.Fatal("Supersede() did not return")
	}
	if run == nil {
		t.Fatal("Supersede() returned no run")
	}
	if s.Current() != run {
		t.Error("Current() after supersede is not the new run")
	}
	if _, err := collect(t, run); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestStreamingSession_Backpressure(t *testing.T) {
	const total = 100
	var blocked atomic.Int64
	src := &scripted{steps: total}
	s := NewStreamingSession(src.source, Options{QueueSize: 2, OnBlocked: func() { blocked.Add(1) }})
	defer s.Close()

	run, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for blocked.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("producer never blocked on a full queue")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	stats := run.Stats()
	if stats.QueueCap != 2 {
		t.Errorf("QueueCap = %d, want 2", stats.QueueCap)
	}
	if stats.QueueLen > stats.QueueCap {
		t.Errorf("QueueLen = %d exceeds cap %d", stats.QueueLen, stats.QueueCap)
	}
	// run_start and one step sit in the queue; one more step waits in push.
	if got := src.produced.Load(); got > int64(stats.QueueCap) {
		t.Errorf("source produced %d steps with a stalled consumer, want at most %d", got, stats.QueueCap)
	}
	if stats.BlockedPushes == 0 {
		t.Error("BlockedPushes = 0, want > 0")
	}

	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(events) != total+2 {
		t.Errorf("got %d events, want %d", len(events), total+2)
	}
}

func TestStreamingSession_ErrorItem(t *testing.T) {
	boom := errors.New("boom")
	hooks := &hookRecorder{}
	src := &scripted{steps: 1, fail: boom}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	run, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	events, err := collect(t, run)
	if !errors.Is(err, boom) {
		t.Fatalf("Drain() error = %v, want boom", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events before the error, want 2", len(events))
	}
	if calls := hooks.calls(); len(calls) != 0 {
		t.Errorf("hook calls = %v, want none for a failed run", calls)
	}
}

func TestStreamingSession_ParentContextCancelled(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{steps: 1, block: true, reached: make(chan struct{})}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	run, _ := s.Start(ctx, graph.Input{}, graph.RunConfig{})
	waitFor(t, src.reached)
	cancel()
	waitFor(t, run.Done())

	events, err := collect(t, run)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if end := lastRunEnd(t, events); end.Status != graph.StatusCancelled || end.Reason != ReasonContextCancel {
		t.Errorf("run_end = %s/%q, want cancelled/%q", end.Status, end.Reason, ReasonContextCancel)
	}
	if calls := hooks.calls(); len(calls) != 1 {
		t.Errorf("hook calls = %v, want 1", calls)
	}
}

func TestStreamingSession_ConsumerBreaks(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{steps: 1, block: true, reached: make(chan struct{})}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})
	defer s.Close()

	run, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	for range run.Drain() {
		break
	}
	waitFor(t, run.Done())
	if calls := hooks.calls(); len(calls) != 1 || calls[0] != ReasonConsumerGone {
		t.Errorf("hook calls = %v, want [%s]", calls, ReasonConsumerGone)
	}
}

func TestStreamingSession_Lifecycle(t *testing.T) {
	hooks := &hookRecorder{}
	src := &scripted{block: true, reached: make(chan struct{})}
	s := NewStreamingSession(src.source, Options{OnCancel: hooks.hook})

	run, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{}); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() error = %v, want ErrRunning", err)
	}
	waitFor(t, src.reached)

	s.Close()
	s.Close()
	if calls := hooks.calls(); len(calls) != 1 || calls[0] != ReasonClosed {
		t.Errorf("hook calls = %v, want [%s]", calls, ReasonClosed)
	}
	if out, _ := run.Ticket().Outcome(); out != OutcomeCancelled {
		t.Errorf("ticket = %q, want %q", out, OutcomeCancelled)
	}
	if _, err := s.Start(context.Background(), graph.Input{}, graph.RunConfig{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.Supersede(context.Background(), graph.Input{}, graph.RunConfig{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Supersede() after Close error = %v, want ErrClosed", err)
	}
}

func TestRun_DrainTwice(t *testing.T) {
	src := &scripted{steps: 1}
	s := NewStreamingSession(src.source, Options{})
	defer s.Close()

	run, _ := s.Start(context.Background(), graph.Input{}, graph.RunConfig{})
	if _, err := collect(t, run); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if _, err := collect(t, run); !errors.Is(err, ErrAlreadyDraining) {
		t.Errorf("second Drain() error = %v, want ErrAlreadyDraining", err)
	}
}
