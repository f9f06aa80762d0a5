package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemorySaver keeps checkpoints in process memory.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint // oldest first
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[string][]*Checkpoint)}
}

func (m *MemorySaver) Put(_ context.Context, cp *Checkpoint) error {
	prepare(cp)
	stored := *cp
	stored.State = cp.State.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], &stored)
	return nil
}

func (m *MemorySaver) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.threads[threadID]
	if len(list) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return copyCheckpoint(list[len(list)-1]), nil
}

func (m *MemorySaver) List(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.threads[threadID]
	var result []*Checkpoint
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, copyCheckpoint(list[i]))
	}
	return result, nil
}

func (m *MemorySaver) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

func (m *MemorySaver) Prune(_ context.Context, cutoff time.Time, keepPerThread int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for threadID, list := range m.threads {
		protected := len(list) - keepPerThread
		kept := list[:0]
		for i, cp := range list {
			if i < protected && cp.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.threads, threadID)
			continue
		}
		m.threads[threadID] = kept
	}
	return removed, nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.State = cp.State.Clone()
	return &c
}
