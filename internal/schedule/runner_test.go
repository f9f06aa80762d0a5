package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func createDue(t *testing.T, store *Store, sched *Schedule) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	sched.NextRunAt = &past
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution")
	}
}

func TestRunner_CheckDue(t *testing.T) {
	store := setupTestStore(t)
	sched := newSchedule("due", "research")
	createDue(t, store, sched)

	ran := make(chan struct{}, 1)
	r := NewRunner(store, func(_ context.Context, s *Schedule) (Result, error) {
		ran <- struct{}{}
		return Result{SessionID: "sess_" + s.ID, RunID: "run_1", RunStatus: "completed", Output: "done"}, nil
	})

	if n := r.CheckDue(); n != 1 {
		t.Fatalf("CheckDue() = %d, want 1", n)
	}
	waitFor(t, ran)
	r.Stop()

	got, err := store.Get(sched.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastRunAt == nil || got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("run times = %v/%v, want last set and next in the future", got.LastRunAt, got.NextRunAt)
	}
	if got.SessionID != "sess_"+sched.ID {
		t.Errorf("pinned SessionID = %q, want sess_%s", got.SessionID, sched.ID)
	}

	execs, err := store.ListExecutions(sched.ID, 0)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != ExecutionSuccess || execs[0].Output != "done" || execs[0].RunID != "run_1" {
		t.Errorf("executions = %+v, want one success", execs)
	}
	if n := r.CheckDue(); n != 0 {
		t.Errorf("CheckDue() after run = %d, want 0", n)
	}
}

func TestRunner_OverlapSkip(t *testing.T) {
	store := setupTestStore(t)
	sched := newSchedule("slow", "research")
	createDue(t, store, sched)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	r := NewRunner(store, func(ctx context.Context, _ *Schedule) (Result, error) {
		started <- struct{}{}
		<-release
		return Result{SessionID: "sess_slow"}, nil
	})

	r.CheckDue()
	waitFor(t, started)
	if r.IsRunning(sched.ID) != 1 {
		t.Fatalf("IsRunning() = %d, want 1", r.IsRunning(sched.ID))
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := r.CheckDue(); n != 1 {
		t.Fatalf("second CheckDue() = %d, want 1", n)
	}
	close(release)
	r.Stop()

	execs, err := store.ListExecutions(sched.ID, 0)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	var skipped, succeeded int
	for _, e := range execs {
		switch e.Status {
		case ExecutionSkipped:
			skipped++
		case ExecutionSuccess:
			succeeded++
		}
	}
	if skipped != 1 || succeeded != 1 {
		t.Errorf("skipped=%d succeeded=%d, want 1 each", skipped, succeeded)
	}
	if r.IsRunning(sched.ID) != 0 {
		t.Errorf("IsRunning() after Stop = %d, want 0", r.IsRunning(sched.ID))
	}
}

func TestRunner_TriggerNow(t *testing.T) {
	store := setupTestStore(t)

	var calls atomic.Int32
	r := NewRunner(store, func(_ context.Context, s *Schedule) (Result, error) {
		n := calls.Add(1)
		if s.Message == "fail" {
			return Result{}, errors.New("crew not found")
		}
		return Result{SessionID: "sess_" + string(rune('a'+n-1))}, nil
	})

	tests := []struct {
		name       string
		behavior   SessionBehavior
		message    string
		wantStatus ExecutionStatus
		wantPinned bool
	}{
		{"resume pins the session", SessionResume, "go", ExecutionSuccess, true},
		{"new leaves no pin", SessionNew, "go", ExecutionSuccess, false},
		{"failure is recorded", SessionResume, "fail", ExecutionFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := newSchedule(tt.name, "research")
			sched.SessionBehavior = tt.behavior
			sched.Message = tt.message
			if err := store.Create(sched); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			exec, err := r.TriggerNow(context.Background(), sched)
			if (err != nil) != (tt.wantStatus == ExecutionFailed) {
				t.Fatalf("TriggerNow() error = %v", err)
			}
			if exec.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", exec.Status, tt.wantStatus)
			}

			got, _ := store.Get(sched.ID)
			if (got.SessionID != "") != tt.wantPinned {
				t.Errorf("pinned SessionID = %q, want pinned=%v", got.SessionID, tt.wantPinned)
			}
			if got.LastRunAt != nil {
				t.Errorf("LastRunAt = %v, want manual runs to leave it unset", got.LastRunAt)
			}
		})
	}

	r.Stop()
	if _, err := r.TriggerNow(context.Background(), newSchedule("late", "research")); !errors.Is(err, ErrRunnerStopped) {
		t.Errorf("TriggerNow() after Stop error = %v, want ErrRunnerStopped", err)
	}
}

func TestRunner_StartStop(t *testing.T) {
	store := setupTestStore(t)
	r := NewRunner(store, func(context.Context, *Schedule) (Result, error) { return Result{}, nil })
	r.interval = 10 * time.Millisecond
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
