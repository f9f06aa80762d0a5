package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/HyphaGroup/crewflow/internal/graph"
)

func nodeEvent(name string) graph.Event {
	return graph.Event{Kind: graph.EventNodeStart, Name: name}
}

func TestEventBuffer_Append(t *testing.T) {
	buf := NewEventBuffer("test-session", 10)

	if idx := buf.Append(nodeEvent("a")); idx != 0 {
		t.Errorf("First event index = %v, want 0", idx)
	}
	if idx := buf.Append(nodeEvent("b")); idx != 1 {
		t.Errorf("Second event index = %v, want 1", idx)
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %v, want 2", buf.Len())
	}
}

func TestEventBuffer_After(t *testing.T) {
	buf := NewEventBuffer("test-session", 10)
	for i := 0; i < 3; i++ {
		buf.Append(nodeEvent(fmt.Sprintf("n%d", i)))
	}

	tests := []struct {
		name      string
		index     int
		max       int
		wantCount int
		wantFirst string
	}{
		{"all events (since -1)", -1, 0, 3, "n0"},
		{"all events limited", -1, 2, 2, "n0"},
		{"after first event", 0, 0, 2, "n1"},
		{"after first event limited", 0, 1, 1, "n1"},
		{"after last event", 2, 0, 0, ""},
		{"future index", 100, 0, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := buf.After(tt.index, tt.max)
			if err != nil {
				t.Fatalf("After() error = %v", err)
			}
			if len(events) != tt.wantCount {
				t.Fatalf("After() count = %v, want %v", len(events), tt.wantCount)
			}
			if tt.wantCount > 0 && events[0].Event.Name != tt.wantFirst {
				t.Errorf("first event = %v, want %v", events[0].Event.Name, tt.wantFirst)
			}
		})
	}
}

func TestEventBuffer_RingBufferBehavior(t *testing.T) {
	buf := NewEventBuffer("test-session", 3)
	drops := 0
	buf.OnDrop(func() { drops++ })

	for i := 0; i < 3; i++ {
		buf.Append(nodeEvent(fmt.Sprintf("n%d", i)))
	}
	if idx := buf.Append(nodeEvent("n3")); idx != 3 {
		t.Errorf("Fourth event index = %v, want 3", idx)
	}

	if buf.Len() != 3 {
		t.Errorf("Len() = %v, want 3 (max size)", buf.Len())
	}
	if buf.StartIndex() != 1 {
		t.Errorf("StartIndex() = %v, want 1 (oldest dropped)", buf.StartIndex())
	}
	if buf.DroppedEvents() != 1 || drops != 1 {
		t.Errorf("DroppedEvents() = %v, callbacks = %v, want 1", buf.DroppedEvents(), drops)
	}

	events, err := buf.After(-1, 0)
	if err != nil {
		t.Fatalf("After(-1) error = %v", err)
	}
	want := []string{"n1", "n2", "n3"}
	for i, e := range events {
		if e.Event.Name != want[i] {
			t.Errorf("events[%d].Name = %v, want %v", i, e.Event.Name, want[i])
		}
	}
}

func TestEventBuffer_PurgedEventsError(t *testing.T) {
	buf := NewEventBuffer("test-session", 2)
	for i := 0; i < 4; i++ {
		buf.Append(nodeEvent("n"))
	}

	if buf.StartIndex() != 2 {
		t.Errorf("StartIndex() = %v, want 2", buf.StartIndex())
	}
	if _, err := buf.After(0, 0); err == nil {
		t.Error("After(0) should return error for purged events")
	}
	// The newest purged index still resumes cleanly.
	if events, err := buf.After(1, 0); err != nil || len(events) != 2 {
		t.Errorf("After(1) = %d events, %v; want 2, nil", len(events), err)
	}
}

func TestEventBuffer_LastIndex(t *testing.T) {
	buf := NewEventBuffer("test-session", 10)

	if buf.LastIndex() != -1 {
		t.Errorf("LastIndex() on empty = %v, want -1", buf.LastIndex())
	}
	buf.Append(nodeEvent("a"))
	buf.Append(nodeEvent("b"))
	if buf.LastIndex() != 1 {
		t.Errorf("LastIndex() = %v, want 1", buf.LastIndex())
	}
}

func TestEventBuffer_Stats(t *testing.T) {
	buf := NewEventBuffer("test-session", 5)
	buf.Append(nodeEvent("a"))
	buf.Append(nodeEvent("b"))

	stats := buf.Stats()
	if stats.SessionID != "test-session" {
		t.Errorf("Stats.SessionID = %v, want test-session", stats.SessionID)
	}
	if stats.CurrentSize != 2 {
		t.Errorf("Stats.CurrentSize = %v, want 2", stats.CurrentSize)
	}
	if stats.MaxSize != 5 {
		t.Errorf("Stats.MaxSize = %v, want 5", stats.MaxSize)
	}
	if stats.LastIndex != 1 {
		t.Errorf("Stats.LastIndex = %v, want 1", stats.LastIndex)
	}
}

func TestEventBuffer_DefaultSize(t *testing.T) {
	buf := NewEventBuffer("test-session", 0)
	if stats := buf.Stats(); stats.MaxSize != DefaultEventBufferSize {
		t.Errorf("Default MaxSize = %v, want %v", stats.MaxSize, DefaultEventBufferSize)
	}
}

func TestEventBuffer_ConcurrentAccess(t *testing.T) {
	buf := NewEventBuffer("test-session", 100)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			buf.Append(nodeEvent("n"))
		}()
		go func() {
			defer wg.Done()
			buf.All()
			_, _ = buf.After(-1, 10)
			buf.LastIndex()
			buf.Stats()
		}()
	}
	wg.Wait()

	if buf.Len() != 50 {
		t.Errorf("Len() = %v, want 50", buf.Len())
	}
}
