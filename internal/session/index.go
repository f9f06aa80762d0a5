package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// SessionIndex persists which sessions exist, the crew and thread each one
// is bound to and their last known status. A restarted server uses it to
// rebuild controllers that resume their threads from checkpoints.
type SessionIndex struct {
	// entries maps sessionID -> entry
	entries map[string]*SessionIndexEntry
	// byStatus maps status -> set of sessionIDs for fast filtering
	byStatus map[Status]map[string]bool
	mu       sync.RWMutex
	filePath string
}

// SessionIndexEntry contains the indexed data for a session
type SessionIndexEntry struct {
	SessionID string    `json:"session_id"`
	Crew      string    `json:"crew"`
	ThreadID  string    `json:"thread_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionIndex creates a new session index
func NewSessionIndex(dataDir string) *SessionIndex {
	return &SessionIndex{
		entries:  make(map[string]*SessionIndexEntry),
		byStatus: make(map[Status]map[string]bool),
		filePath: filepath.Join(dataDir, "sessions_index.json"),
	}
}

// Load reads the index from disk
func (idx *SessionIndex) Load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	data, err := os.ReadFile(idx.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No index file yet, start fresh
			return nil
		}
		return err
	}

	var entries []*SessionIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	// Rebuild in-memory indices
	idx.entries = make(map[string]*SessionIndexEntry, len(entries))
	idx.byStatus = make(map[Status]map[string]bool)

	for _, entry := range entries {
		idx.entries[entry.SessionID] = entry
		idx.addToStatusIndex(entry.SessionID, entry.Status)
	}

	return nil
}

// Save writes the index to disk atomically
func (idx *SessionIndex) Save() error {
	idx.mu.RLock()
	entries := make([]SessionIndexEntry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		entries = append(entries, *entry)
	}
	idx.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionID < entries[j].SessionID })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(idx.filePath), 0o755); err != nil {
		return err
	}

	// Atomic write
	tmpPath := idx.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, idx.filePath)
}

// Add adds or updates a session in the index
func (idx *SessionIndex) Add(entry *SessionIndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Remove from old indices if updating
	if old, exists := idx.entries[entry.SessionID]; exists {
		idx.removeFromStatusIndex(entry.SessionID, old.Status)
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = old.CreatedAt
		}
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.UpdatedAt
	}

	idx.entries[entry.SessionID] = entry
	idx.addToStatusIndex(entry.SessionID, entry.Status)
}

// Get retrieves a copy of a session entry by ID (O(1))
func (idx *SessionIndex) Get(sessionID string) (SessionIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.entries[sessionID]
	if !ok {
		return SessionIndexEntry{}, false
	}
	return *entry, true
}

// GetByStatus returns the session IDs with a given status, sorted
func (idx *SessionIndex) GetByStatus(status Status) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sessions := idx.byStatus[status]
	result := make([]string, 0, len(sessions))
	for sessionID := range sessions {
		result = append(result, sessionID)
	}
	sort.Strings(result)
	return result
}

// UpdateStatus updates the status of a session in the index
func (idx *SessionIndex) UpdateStatus(sessionID string, newStatus Status) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[sessionID]
	if !exists {
		return false
	}

	idx.removeFromStatusIndex(sessionID, entry.Status)
	entry.Status = newStatus
	entry.UpdatedAt = time.Now()
	idx.addToStatusIndex(sessionID, newStatus)
	return true
}

// Remove removes a session from the index
func (idx *SessionIndex) Remove(sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[sessionID]
	if !exists {
		return
	}

	idx.removeFromStatusIndex(sessionID, entry.Status)
	delete(idx.entries, sessionID)
}

// Entries returns copies of all entries ordered by session ID
func (idx *SessionIndex) Entries() []SessionIndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]SessionIndexEntry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Count returns the total number of indexed sessions
func (idx *SessionIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// internal helper methods (must be called with lock held)

func (idx *SessionIndex) addToStatusIndex(sessionID string, status Status) {
	if idx.byStatus[status] == nil {
		idx.byStatus[status] = make(map[string]bool)
	}
	idx.byStatus[status][sessionID] = true
}

func (idx *SessionIndex) removeFromStatusIndex(sessionID string, status Status) {
	if idx.byStatus[status] != nil {
		delete(idx.byStatus[status], sessionID)
	}
}
