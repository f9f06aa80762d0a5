package session

import (
	"time"

	"github.com/HyphaGroup/crewflow/internal/graph"
)

// Status represents the state of a session
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusNeedsInput Status = "needs_input"
	StatusSuperseded Status = RunSuperseded
)

// Terminal reports whether no run is in flight in this status.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// statusOf maps a run_end status to a session status.
func statusOf(runStatus string) Status {
	switch runStatus {
	case graph.StatusCompleted:
		return StatusCompleted
	case graph.StatusInterrupted:
		return StatusNeedsInput
	case graph.StatusCancelled:
		return StatusCancelled
	case RunSuperseded:
		return StatusSuperseded
	default:
		return StatusFailed
	}
}

// Info is a lightweight view of a session
type Info struct {
	SessionID  string    `json:"session_id"`
	Crew       string    `json:"crew"`
	ThreadID   string    `json:"thread_id"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Runs       int       `json:"runs"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastOutput string    `json:"last_output,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastIndex  int       `json:"last_event_index"`
	Queue      RunStats  `json:"queue"`
}
