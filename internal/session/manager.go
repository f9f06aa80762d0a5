package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/metrics"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("maximum sessions reached")
	ErrCrewMismatch    = errors.New("session is bound to another crew")
)

// CrewResolver returns the crew registered under name.
type CrewResolver func(name string) (*crew.Crew, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxSessions int
	IdleTimeout time.Duration
	// CleanupInterval is how often idle sessions are reaped. Zero disables
	// the background loop; Reap can still be called directly.
	CleanupInterval time.Duration
	QueueSize       int
	BufferSize      int
	// DataDir holds sessions_index.json. Empty keeps the index in memory.
	DataDir string
}

// Manager owns the controllers of all live sessions. Sessions evicted for
// idleness stay in the index and are rebuilt on their next message, resuming
// their thread from the checkpoint saver.
type Manager struct {
	cfg     ManagerConfig
	resolve CrewResolver
	locks   lockMap
	index   *SessionIndex

	mu       sync.RWMutex
	sessions map[string]*Controller
	started  map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and loads the persisted index.
func NewManager(resolve CrewResolver, cfg ManagerConfig) (*Manager, error) {
	if resolve == nil {
		return nil, errors.New("crew resolver is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultSessionIdleTimeout
	}

	var index *SessionIndex
	if cfg.DataDir != "" {
		index = NewSessionIndex(cfg.DataDir)
		if err := index.Load(); err != nil {
			return nil, fmt.Errorf("loading session index: %w", err)
		}
		// A turn still marked running did not survive the last shutdown.
		if stale := index.GetByStatus(StatusRunning); len(stale) > 0 {
			for _, id := range stale {
				index.UpdateStatus(id, StatusCancelled)
			}
			logger.Warn("Marked %d session(s) cancelled: running when the server last stopped", len(stale))
			if err := index.Save(); err != nil {
				logger.Warn("Failed to save session index: %v", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		resolve:  resolve,
		index:    index,
		sessions: make(map[string]*Controller),
		started:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(cfg.CleanupInterval)
	}
	return m, nil
}

// GetOrCreate returns the controller of sessionID, creating it when needed.
// An empty sessionID creates a new session. created reports whether a new
// controller was built.
func (m *Manager) GetOrCreate(sessionID, crewName string) (c *Controller, created bool, err error) {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	err = m.locks.with(sessionID, func() error {
		if existing, ok := m.Get(sessionID); ok {
			if crewName != "" && existing.Crew() != crewName {
				return fmt.Errorf("%w: %s runs %s", ErrCrewMismatch, sessionID, existing.Crew())
			}
			c = existing
			return nil
		}

		threadID := sessionID
		if m.index != nil {
			if entry, ok := m.index.Get(sessionID); ok {
				if crewName == "" {
					crewName = entry.Crew
				} else if entry.Crew != crewName {
					return fmt.Errorf("%w: %s runs %s", ErrCrewMismatch, sessionID, entry.Crew)
				}
				threadID = entry.ThreadID
			}
		}
		if crewName == "" {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		cr, err := m.resolve(crewName)
		if err != nil {
			return fmt.Errorf("resolving crew %s: %w", crewName, err)
		}
		if err := m.makeRoom(); err != nil {
			return err
		}

		ctrl, err := NewController(ControllerConfig{
			SessionID:  sessionID,
			ThreadID:   threadID,
			Crew:       cr,
			QueueSize:  m.cfg.QueueSize,
			BufferSize: m.cfg.BufferSize,
			Logger:     logger.Slog(),
			OnStatus:   m.statusChanged,
		})
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.sessions[sessionID] = ctrl
		m.started[sessionID] = time.Now()
		m.mu.Unlock()

		if m.index != nil {
			m.index.Add(&SessionIndexEntry{SessionID: sessionID, Crew: crewName, ThreadID: threadID, Status: StatusIdle})
			m.saveIndex()
		}
		metrics.RecordSessionStart(crewName)
		logger.Info("Session registered: %s (crew: %s, thread: %s)", sessionID, crewName, threadID)

		c, created = ctrl, true
		return nil
	})
	return c, created, err
}

// makeRoom evicts the longest idle session when the manager is full.
func (m *Manager) makeRoom() error {
	m.mu.RLock()
	full := len(m.sessions) >= m.cfg.MaxSessions
	var victim string
	var oldest time.Time
	if full {
		for id, c := range m.sessions {
			idle := c.IdleSince()
			if idle.IsZero() {
				continue
			}
			if victim == "" || idle.Before(oldest) {
				victim, oldest = id, idle
			}
		}
	}
	m.mu.RUnlock()

	if !full {
		return nil
	}
	if victim == "" {
		logger.Error("Session registration rejected: max sessions (%d) reached", m.cfg.MaxSessions)
		return fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}
	m.evict(victim, "making room")
	return nil
}

// Get returns the live controller of sessionID.
func (m *Manager) Get(sessionID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[sessionID]
	return c, ok
}

// Send delivers in to the session, creating it when needed, and supersedes
// a running turn.
func (m *Manager) Send(ctx context.Context, sessionID, crewName string, in graph.Input) (*Controller, *Run, error) {
	c, _, err := m.GetOrCreate(sessionID, crewName)
	if err != nil {
		return nil, nil, err
	}
	run, err := c.Send(ctx, in)
	if err != nil {
		return c, nil, err
	}
	return c, run, nil
}

// Resume continues the interrupted thread of a session.
func (m *Manager) Resume(ctx context.Context, sessionID string, in graph.Input) (*Controller, *Run, error) {
	c, _, err := m.GetOrCreate(sessionID, "")
	if err != nil {
		return nil, nil, err
	}
	run, err := c.Resume(ctx, in)
	if err != nil {
		return c, nil, err
	}
	return c, run, nil
}

// Stop force-terminates the running turn of a session. It reports whether a
// running turn was stopped.
func (m *Manager) Stop(sessionID, reason string) (bool, error) {
	c, ok := m.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return c.Stop(reason), nil
}

// Info returns the summary of a live or indexed session.
func (m *Manager) Info(sessionID string) (Info, error) {
	if c, ok := m.Get(sessionID); ok {
		return c.Info(), nil
	}
	if m.index != nil {
		if entry, ok := m.index.Get(sessionID); ok {
			return entry.info(), nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// Remove closes a session and forgets it, including its index entry.
func (m *Manager) Remove(sessionID string) error {
	err := m.locks.with(sessionID, func() error {
		_, live := m.Get(sessionID)
		indexed := false
		if m.index != nil {
			_, indexed = m.index.Get(sessionID)
		}
		if !live && !indexed {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if live {
			m.evict(sessionID, "removed")
		}
		if m.index != nil {
			m.index.Remove(sessionID)
			m.saveIndex()
		}
		return nil
	})
	if err == nil {
		m.locks.forget(sessionID)
	}
	return err
}

// evict closes a live controller and drops it from memory.
func (m *Manager) evict(sessionID, why string) {
	m.mu.Lock()
	c, ok := m.sessions[sessionID]
	started := m.started[sessionID]
	delete(m.sessions, sessionID)
	delete(m.started, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.Close()
	status := c.Status()
	metrics.RecordSessionEnd(c.Crew(), string(status), time.Since(started).Seconds())
	logger.Info("Session %s closed (%s, status: %s)", sessionID, why, status)
}

// List returns live sessions and indexed ones not currently loaded, oldest
// first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	seen := make(map[string]bool, len(m.sessions))
	for id, c := range m.sessions {
		out = append(out, c.Info())
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.index != nil {
		for _, entry := range m.index.Entries() {
			if !seen[entry.SessionID] {
				out = append(out, entry.info())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap evicts sessions idle longer than the idle timeout and returns how
// many it evicted.
func (m *Manager) Reap(now time.Time) int {
	m.mu.RLock()
	var idle []string
	for id, c := range m.sessions {
		since := c.IdleSince()
		if !since.IsZero() && now.Sub(since) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		_ = m.locks.with(id, func() error {
			m.evict(id, "idle timeout")
			return nil
		})
	}
	return len(idle)
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Reap(now); n > 0 {
				logger.Info("Reaped %d idle sessions", n)
			}
		}
	}
}

// Close stops the cleanup loop and closes every live session.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.evict(id, "shutdown")
	}
	m.saveIndex()
}

func (m *Manager) statusChanged(sessionID string, status Status) {
	if m.index == nil {
		return
	}
	if m.index.UpdateStatus(sessionID, status) {
		m.saveIndex()
	}
}

func (m *Manager) saveIndex() {
	if m.index == nil {
		return
	}
	if err := m.index.Save(); err != nil {
		logger.Error("Failed to save session index: %v", err)
	}
}

func (e SessionIndexEntry) info() Info {
	return Info{
		SessionID: e.SessionID,
		Crew:      e.Crew,
		ThreadID:  e.ThreadID,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		LastIndex: -1,
	}
}
