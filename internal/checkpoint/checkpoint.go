// Package checkpoint persists execution state per thread so runs can resume
// after an interrupt, a cancellation or a process restart.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/google/uuid"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is a snapshot of a thread taken between two steps.
type Checkpoint struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	RunID       string       `json:"run_id,omitempty"`
	Step        int          `json:"step"`
	Next        string       `json:"next"`
	Interrupted bool         `json:"interrupted,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	State       *state.State `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Saver stores checkpoints keyed by thread id.
type Saver interface {
	// Put stores cp, assigning ID and CreatedAt when empty.
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the newest checkpoint of a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// List returns up to limit checkpoints of a thread, newest first. limit <= 0 means all.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)
	// Delete removes every checkpoint of a thread.
	Delete(ctx context.Context, threadID string) error
	// Prune removes checkpoints created before cutoff, keeping the newest
	// keepPerThread of every thread. It returns the number removed.
	Prune(ctx context.Context, cutoff time.Time, keepPerThread int) (int, error)
}

func prepare(cp *Checkpoint) {
	if cp.ID == "" {
		cp.ID = "ckpt_" + uuid.New().String()[:8]
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
}
