package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/metrics"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// RunFailed is the status of the synthetic run_end recorded for a run that
// ended with an error.
const RunFailed = "failed"

// ReasonCancelled marks checkpoints written after a cancelled run.
const ReasonCancelled = "cancelled"

const (
	notifyTimeout  = 5 * time.Second
	persistTimeout = 10 * time.Second
)

// Notifier receives every drained event of a session. Delivery is best
// effort: errors and panics are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, ev graph.Event) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	SessionID string
	// ThreadID defaults to SessionID.
	ThreadID string
	Crew     *crew.Crew
	// Source replaces the compiled crew as the event source.
	Source Source
	// Saver defaults to the crew's checkpointer.
	Saver      checkpoint.Saver
	QueueSize  int
	BufferSize int
	Notifier   Notifier
	Logger     *slog.Logger
	// OnStatus is called after every status change.
	OnStatus func(id string, status Status)
}

// Controller binds one session id to a StreamingSession. New input
// supersedes a running turn; Stop force-terminates it.
type Controller struct {
	id       string
	threadID string
	crewName string
	crew     *crew.Crew
	saver    checkpoint.Saver
	logger   *slog.Logger
	events   *EventBuffer
	onStatus func(string, Status)
	cfg      ControllerConfig

	compileOnce sync.Once
	compiled    *crew.Compiled
	stream      *StreamingSession
	compileErr  error

	// sendMu keeps supersede and generation bookkeeping in one order.
	sendMu sync.Mutex
	pumps  sync.WaitGroup

	mu         sync.Mutex
	notifier   Notifier
	status     Status
	reason     string
	lastErr    string
	runs       int
	lastRunID  string
	lastOutput string
	gen        int
	turnDone   chan struct{}
	createdAt  time.Time
	updatedAt  time.Time
	closed     bool
}

// NewController creates an idle controller. The crew is compiled on the
// first Send.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.Crew == nil && cfg.Source == nil {
		return nil, errors.New("a crew or a source is required")
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = cfg.SessionID
	}
	if cfg.Saver == nil && cfg.Crew != nil {
		cfg.Saver = cfg.Crew.Checkpointer
	}
	name := "custom"
	if cfg.Crew != nil {
		name = cfg.Crew.Name
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	now := time.Now()
	c := &Controller{
		id:        cfg.SessionID,
		threadID:  cfg.ThreadID,
		crewName:  name,
		crew:      cfg.Crew,
		saver:     cfg.Saver,
		logger:    l.With("session_id", cfg.SessionID, "crew", name),
		events:    NewEventBuffer(cfg.SessionID, cfg.BufferSize),
		onStatus:  cfg.OnStatus,
		cfg:       cfg,
		notifier:  cfg.Notifier,
		status:    StatusIdle,
		createdAt: now,
		updatedAt: now,
	}
	c.events.OnDrop(func() { metrics.RecordEventDrop(name) })
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// ThreadID returns the thread the session checkpoints under.
func (c *Controller) ThreadID() string { return c.threadID }

// Crew returns the crew name.
func (c *Controller) Crew() string { return c.crewName }

// Events returns the session's event history.
func (c *Controller) Events() *EventBuffer { return c.events }

// SetNotifier attaches or replaces the notifier. nil detaches it.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Compiled returns the compiled crew, compiling it on first use. It is nil
// for controllers built over a plain Source.
func (c *Controller) Compiled() (*crew.Compiled, error) {
	if _, err := c.ensure(); err != nil {
		return nil, err
	}
	return c.compiled, nil
}

func (c *Controller) ensure() (*StreamingSession, error) {
	c.compileOnce.Do(func() {
		source := c.cfg.Source
		if source == nil {
			compiled, err := crew.Compile(c.crew)
			if err != nil {
				c.compileErr = err
				return
			}
			c.compiled = compiled
			source = compiled.Stream
		}
		stream := NewStreamingSession(source, Options{
			Name:      c.crewName,
			QueueSize: c.cfg.QueueSize,
			OnCancel:  c.reconcile,
			OnBlocked: metrics.RecordQueueBlocked,
			Logger:    c.logger,
		})
		c.mu.Lock()
		c.stream = stream
		c.mu.Unlock()
	})
	if c.compileErr != nil {
		return nil, c.compileErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, nil
}

// Send starts a new turn with in, superseding a running one. The run
// outlives ctx; it ends on completion, Stop, a newer Send or Close.
func (c *Controller) Send(ctx context.Context, in graph.Input) (*Run, error) {
	return c.start(ctx, in, false)
}

// Resume continues an interrupted thread from its latest checkpoint,
// appending in first.
func (c *Controller) Resume(ctx context.Context, in graph.Input) (*Run, error) {
	return c.start(ctx, in, true)
}

func (c *Controller) start(ctx context.Context, in graph.Input, resume bool) (*Run, error) {
	stream, err := c.ensure()
	if err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	cfg := graph.RunConfig{ThreadID: c.threadID, SessionID: c.id, Resume: resume}
	run, err := stream.Supersede(context.WithoutCancel(ctx), in, cfg)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.runs++
	c.lastRunID = run.ID()
	c.turnDone = done
	c.setStatusLocked(StatusRunning, "", "")
	c.mu.Unlock()
	c.statusChanged(StatusRunning)

	c.logger.Info("run started", "run_id", run.ID(), "resume", resume)
	c.pumps.Add(1)
	go c.pump(gen, run, done)
	return run, nil
}

func (c *Controller) pump(gen int, run *Run, done chan struct{}) {
	defer c.pumps.Done()
	defer close(done)

	for ev, err := range run.Drain() {
		if err != nil {
			ev = graph.Event{
				Kind:      graph.EventRunEnd,
				Name:      c.crewName,
				RunID:     run.ID(),
				Timestamp: time.Now(),
				Data:      graph.RunEnd{Status: RunFailed, Reason: err.Error(), State: run.Last()},
			}
			c.record(ev)
			c.finish(gen, run, RunFailed, err.Error(), run.Last())
			return
		}
		c.record(ev)
		switch ev.Kind {
		case graph.EventNodeEnd:
			metrics.RecordNodeRun(c.crewName, ev.Name)
		case graph.EventRunEnd:
			end, _ := ev.Data.(graph.RunEnd)
			c.finish(gen, run, end.Status, end.Reason, end.State)
		}
	}
}

func (c *Controller) record(ev graph.Event) {
	c.events.Append(ev)
	c.notify(ev)
}

func (c *Controller) notify(ev graph.Event) {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("notifier panicked", "event", ev.Kind, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.Notify(ctx, c.id, ev); err != nil {
		c.logger.Warn("failed to deliver event", "event", ev.Kind, "error", err)
	}
}

func (c *Controller) finish(gen int, run *Run, runStatus, reason string, st *state.State) {
	status := statusOf(runStatus)
	metrics.RecordRun(c.crewName, string(status))
	switch status {
	case StatusCancelled:
		metrics.RecordCancellation(c.crewName, "stop")
	case StatusSuperseded:
		metrics.RecordCancellation(c.crewName, "supersede")
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("stale run ended", "run_id", run.ID(), "status", status)
		return
	}
	errText := ""
	if status == StatusFailed {
		errText = reason
	}
	if out, ok := lastReply(st); ok {
		c.lastOutput = out
	}
	c.setStatusLocked(status, reason, errText)
	c.mu.Unlock()
	c.statusChanged(status)

	if status == StatusFailed {
		c.logger.Error("run failed", "run_id", run.ID(), "error", reason)
		return
	}
	c.logger.Info("run ended", "run_id", run.ID(), "status", status, "reason", reason)
}

func (c *Controller) setStatusLocked(status Status, reason, errText string) {
	c.status = status
	c.reason = reason
	c.lastErr = errText
	c.updatedAt = time.Now()
}

func (c *Controller) statusChanged(status Status) {
	if c.onStatus != nil {
		c.onStatus(c.id, status)
	}
}

// reconcile persists the state of a cancelled run with every outstanding
// tool call paired with a synthetic result, so the thread can be resumed.
func (c *Controller) reconcile(reason string, last *state.State) {
	c.logger.Info("run cancelled", "reason", reason)
	if c.saver == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	latest, err := c.saver.Latest(ctx, c.threadID)
	if err != nil && !errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		c.logger.Error("failed to load checkpoint for reconcile", "error", err)
		return
	}
	if last == nil && latest != nil {
		last = latest.State
	}
	if last == nil {
		return
	}

	st := last.Clone()
	st.Messages = state.ReconcileToolCalls(st.Messages)
	st.Continue = true
	cp := &checkpoint.Checkpoint{
		ThreadID: c.threadID,
		Next:     graph.End,
		Reason:   ReasonCancelled,
		State:    st,
	}
	if latest != nil {
		cp.RunID = latest.RunID
		cp.Step = latest.Step
	}
	if err := c.saver.Put(ctx, cp); err != nil {
		c.logger.Error("failed to persist cancelled state", "error", err)
	}
}

// Stop force-terminates the running turn. It reports whether a running turn
// was stopped by this call.
func (c *Controller) Stop(reason string) bool {
	c.mu.Lock()
	running := c.status == StatusRunning
	stream := c.stream
	c.mu.Unlock()
	if !running || stream == nil {
		return false
	}
	return stream.ForceTerminate(reason)
}

// Wait blocks until the latest turn has been fully drained, then returns
// the session info.
func (c *Controller) Wait(ctx context.Context) (Info, error) {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Info(), fmt.Errorf("waiting for session %s: %w", c.id, ctx.Err())
		}
	}
	return c.Info(), nil
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IdleSince returns when the session last changed, or the zero time while a
// turn is running.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning {
		return time.Time{}
	}
	return c.updatedAt
}

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{
		SessionID:  c.id,
		Crew:       c.crewName,
		ThreadID:   c.threadID,
		Status:     c.status,
		Error:      c.lastErr,
		Reason:     c.reason,
		Runs:       c.runs,
		LastRunID:  c.lastRunID,
		LastOutput: c.lastOutput,
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
	}
	stream := c.stream
	c.mu.Unlock()

	info.LastIndex = c.events.LastIndex()
	if stream != nil {
		if run := stream.Current(); run != nil {
			info.Queue = run.Stats()
		}
	}
	return info
}

// Close cancels the running turn and waits for its events to be recorded.
func (c *Controller) Close() {
	c.sendMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	c.mu.Unlock()
	c.sendMu.Unlock()

	if stream != nil {
		stream.Close()
	}
	c.pumps.Wait()
}

func lastReply(st *state.State) (string, bool) {
	if st == nil {
		return "", false
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Role == state.RoleAssistant && m.Content != "" {
			return m.Content, true
		}
	}
	return "", false
}
