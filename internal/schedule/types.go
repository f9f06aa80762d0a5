package schedule

import (
	"time"
)

// OverlapBehavior defines what to do if a previous run is still active
type OverlapBehavior string

const (
	OverlapSkip     OverlapBehavior = "skip"     // Don't start if previous still running
	OverlapParallel OverlapBehavior = "parallel" // Allow concurrent execution
)

// SessionBehavior defines which session a scheduled run is sent to
type SessionBehavior string

const (
	// SessionResume keeps one pinned session per schedule, so every run
	// continues the same thread (default).
	SessionResume SessionBehavior = "resume"
	// SessionNew starts a fresh session for every run.
	SessionNew SessionBehavior = "new"
)

// Schedule sends a message to a crew on a cron schedule
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CronExpr        string          `json:"cron_expr"`
	Crew            string          `json:"crew"`
	Message         string          `json:"message"`
	Enabled         bool            `json:"enabled"`
	OverlapBehavior OverlapBehavior `json:"overlap_behavior"`
	SessionBehavior SessionBehavior `json:"session_behavior"`
	// SessionID is the pinned session of a resume schedule, set after its
	// first run.
	SessionID      string     `json:"session_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatorTokenID string     `json:"creator_token_id"`
	CreatorScope   string     `json:"creator_scope"`
}

// ExecutionStatus represents the outcome of a schedule execution
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution is one run of a schedule
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	SessionID  string          `json:"session_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
	Status     ExecutionStatus `json:"status"`
	// RunStatus is the session status the run ended in.
	RunStatus  string `json:"run_status,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Result is what an ExecutionFunc reports about one run.
type Result struct {
	SessionID string
	RunID     string
	RunStatus string
	Output    string
}

// ScheduleUpdate contains optional fields for updating a schedule
type ScheduleUpdate struct {
	Name            *string          `json:"name,omitempty"`
	CronExpr        *string          `json:"cron_expr,omitempty"`
	Message         *string          `json:"message,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	OverlapBehavior *OverlapBehavior `json:"overlap_behavior,omitempty"`
	SessionBehavior *SessionBehavior `json:"session_behavior,omitempty"`
}

// ListFilter contains optional filters for listing schedules
type ListFilter struct {
	Crew    string // Filter to schedules of this crew
	Enabled *bool  // Filter by enabled status
}

// IsValidOverlapBehavior checks if the overlap behavior is valid
func IsValidOverlapBehavior(b OverlapBehavior) bool {
	return b == OverlapSkip || b == OverlapParallel
}

// IsValidSessionBehavior checks if the session behavior is valid
func IsValidSessionBehavior(b SessionBehavior) bool {
	return b == SessionResume || b == SessionNew
}
