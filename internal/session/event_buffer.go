package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/crewflow/internal/graph"
)

/*
Event buffer: bounded history of a session's run events.

Indices are logical and grow monotonically across runs. When the buffer is
full the oldest event is dropped and startIndex moves forward.

    | ... [purged] ... | startIndex | event | ... | lastIndex |

Clients poll with since_index: -1 returns everything buffered, otherwise
events after that index. Asking for an index that has been purged is an
error so the client knows it missed events.
*/

// EventBuffer configuration constants
const (
	DefaultEventBufferSize    = 1000
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxSessions        = 10
)

// BufferedEvent wraps a stream event with metadata for resumption
type BufferedEvent struct {
	Index     int         `json:"index"`
	Timestamp time.Time   `json:"timestamp"`
	Event     graph.Event `json:"event"`
}

// EventBuffer provides a ring buffer for streaming events with resumption support
type EventBuffer struct {
	sessionID     string
	events        []*BufferedEvent
	maxSize       int
	startIndex    int   // Logical index of the first event in the buffer
	droppedEvents int64 // Count of events dropped due to buffer overflow
	onDrop        func()
	mu            sync.RWMutex
}

// BufferStats contains statistics about the event buffer
type BufferStats struct {
	SessionID     string `json:"session_id"`
	CurrentSize   int    `json:"current_size"`
	MaxSize       int    `json:"max_size"`
	StartIndex    int    `json:"start_index"`
	LastIndex     int    `json:"last_index"`
	DroppedEvents int64  `json:"dropped_events"`
}

// NewEventBuffer creates a new event buffer for the given session
func NewEventBuffer(sessionID string, maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufferSize
	}
	return &EventBuffer{
		sessionID:  sessionID,
		events:     make([]*BufferedEvent, 0, maxSize),
		maxSize:    maxSize,
		startIndex: 0,
	}
}

// OnDrop registers a callback run for every event dropped on overflow.
func (b *EventBuffer) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Append adds an event to the buffer and returns its index
func (b *EventBuffer) Append(event graph.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	be := &BufferedEvent{
		Index:     index,
		Timestamp: time.Now(),
		Event:     event,
	}

	if len(b.events) >= b.maxSize {
		// Ring buffer - drop oldest event
		b.events = b.events[1:]
		b.startIndex++
		b.droppedEvents++
		if b.onDrop != nil {
			b.onDrop()
		}
	}
	b.events = append(b.events, be)
	return index
}

// After returns up to maxEvents events after the given index (exclusive);
// maxEvents <= 0 means no limit.
// Returns error if the requested index has been purged
// Special case: index=-1 returns all available events
func (b *EventBuffer) After(index, maxEvents int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Special case: -1 means "give me all available events"
	// This is used for first poll when client has no index yet
	if index == -1 {
		return limit(b.events, maxEvents), nil
	}

	// Check if the requested index is before our buffer window
	if index < b.startIndex-1 {
		return nil, fmt.Errorf("events before index %d have been purged (oldest available: %d)", index, b.startIndex)
	}

	// Calculate the slice offset
	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		// No new events after this index
		return []*BufferedEvent{}, nil
	}

	return limit(b.events[start:], maxEvents), nil
}

// limit copies at most n events so callers never share the backing array.
func limit(events []*BufferedEvent, n int) []*BufferedEvent {
	if n > 0 && len(events) > n {
		events = events[:n]
	}
	result := make([]*BufferedEvent, len(events))
	copy(result, events)
	return result
}

// LastIndex returns the index of the most recent event, or -1 if empty
func (b *EventBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return -1
	}
	return b.startIndex + len(b.events) - 1
}

// Len returns the number of events currently buffered
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// SessionID returns the session ID this buffer belongs to
func (b *EventBuffer) SessionID() string {
	return b.sessionID
}

// All returns all buffered events (for debugging/inspection)
func (b *EventBuffer) All() []*BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*BufferedEvent, len(b.events))
	copy(result, b.events)
	return result
}

// StartIndex returns the logical index of the first buffered event
func (b *EventBuffer) StartIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startIndex
}

// DroppedEvents returns the count of events dropped due to buffer overflow
func (b *EventBuffer) DroppedEvents() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.droppedEvents
}

// Stats returns current buffer statistics
func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lastIndex := -1
	if len(b.events) > 0 {
		lastIndex = b.startIndex + len(b.events) - 1
	}

	return BufferStats{
		SessionID:     b.sessionID,
		CurrentSize:   len(b.events),
		MaxSize:       b.maxSize,
		StartIndex:    b.startIndex,
		LastIndex:     lastIndex,
		DroppedEvents: b.droppedEvents,
	}
}
