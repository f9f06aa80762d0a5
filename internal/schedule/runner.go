package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HyphaGroup/crewflow/internal/logger"
)

// ErrRunnerStopped is returned by TriggerNow after Stop.
var ErrRunnerStopped = errors.New("schedule runner stopped")

// ExecutionFunc sends a schedule's message to its crew and waits for the
// run to finish.
type ExecutionFunc func(ctx context.Context, schedule *Schedule) (Result, error)

// Runner manages scheduled crew runs
type Runner struct {
	store       *Store
	executeFunc ExecutionFunc
	interval    time.Duration
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Track running executions per schedule for overlap handling
	running   map[string]int // schedule ID -> count of running executions
	runningMu sync.Mutex
}

// NewRunner creates a runner that checks for due schedules every minute
func NewRunner(store *Store, executeFunc ExecutionFunc) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       store,
		executeFunc: executeFunc,
		interval:    time.Minute,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]int),
	}
}

// Start begins the scheduler loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("Schedule runner started")
}

// Stop cancels in-flight executions and waits for them to return
func (r *Runner) Stop() {
	logger.Info("Stopping schedule runner...")
	r.cancel()
	r.wg.Wait()
	logger.Info("Schedule runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.CheckDue()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.CheckDue()
		}
	}
}

// CheckDue starts every due schedule and returns how many it found.
func (r *Runner) CheckDue() int {
	schedules, err := r.store.ListDue(r.now())
	if err != nil {
		logger.Error("Failed to list due schedules: %v", err)
		return 0
	}
	for _, schedule := range schedules {
		r.executeSchedule(schedule)
	}
	return len(schedules)
}

// executeSchedule runs a due schedule in the background, respecting its
// overlap behavior. The next run time advances even when the run is skipped.
func (r *Runner) executeSchedule(schedule *Schedule) {
	now := r.now()
	nextRun, err := NextRun(schedule.CronExpr, now)
	if err != nil {
		logger.Error("Failed to calculate next run for schedule %s: %v", schedule.ID, err)
		return
	}
	if err := r.store.UpdateRunTimes(schedule.ID, now, nextRun); err != nil {
		logger.Error("Failed to update run times for schedule %s: %v", schedule.ID, err)
		return
	}

	r.runningMu.Lock()
	if schedule.OverlapBehavior != OverlapParallel && r.running[schedule.ID] > 0 {
		r.runningMu.Unlock()
		logger.Info("Skipping schedule %s (%s): previous execution still running", schedule.ID, schedule.Name)
		r.record(&Execution{
			ScheduleID: schedule.ID,
			SessionID:  schedule.SessionID,
			ExecutedAt: now,
			Status:     ExecutionSkipped,
			Error:      "previous execution still running",
		})
		return
	}
	r.running[schedule.ID]++
	r.runningMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.done(schedule.ID)
		if _, err := r.run(r.ctx, schedule); err != nil {
			logger.Error("Schedule %s (%s) failed: %v", schedule.ID, schedule.Name, err)
			return
		}
		logger.Info("Schedule %s completed, next run at %s", schedule.ID, nextRun.Format(time.RFC3339))
	}()
}

func (r *Runner) done(scheduleID string) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	r.running[scheduleID]--
	if r.running[scheduleID] <= 0 {
		delete(r.running, scheduleID)
	}
}

// run executes one schedule and records the outcome in its history.
func (r *Runner) run(ctx context.Context, schedule *Schedule) (*Execution, error) {
	logger.Info("Executing schedule %s (%s) on crew %s", schedule.ID, schedule.Name, schedule.Crew)
	start := r.now()
	res, err := r.executeFunc(ctx, schedule)

	exec := &Execution{
		ScheduleID: schedule.ID,
		SessionID:  res.SessionID,
		RunID:      res.RunID,
		ExecutedAt: start,
		Status:     ExecutionSuccess,
		RunStatus:  res.RunStatus,
		Output:     res.Output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	}
	r.record(exec)

	if err == nil && schedule.SessionBehavior != SessionNew && res.SessionID != "" && res.SessionID != schedule.SessionID {
		if pinErr := r.store.PinSession(schedule.ID, res.SessionID); pinErr != nil {
			logger.Error("Failed to pin session for schedule %s: %v", schedule.ID, pinErr)
		}
		schedule.SessionID = res.SessionID
	}
	return exec, err
}

func (r *Runner) record(exec *Execution) {
	if err := r.store.RecordExecution(exec); err != nil {
		logger.Error("Failed to record execution for schedule %s: %v", exec.ScheduleID, err)
	}
}

// IsRunning returns the number of running executions for a schedule
func (r *Runner) IsRunning(scheduleID string) int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running[scheduleID]
}

// TriggerNow runs a schedule immediately and waits for it. Run times are
// left alone; only cron runs advance them.
func (r *Runner) TriggerNow(ctx context.Context, schedule *Schedule) (*Execution, error) {
	if r.ctx.Err() != nil {
		return nil, ErrRunnerStopped
	}
	logger.Info("Manually triggering schedule %s (%s)", schedule.ID, schedule.Name)

	r.runningMu.Lock()
	r.running[schedule.ID]++
	r.runningMu.Unlock()
	defer r.done(schedule.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	return r.run(ctx, schedule)
}
