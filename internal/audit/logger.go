package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/crewflow/internal/auth"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpSessionSend   Operation = "session.send"
	OpSessionStop   Operation = "session.stop"
	OpSessionRemove Operation = "session.remove"
	OpMemoryPut     Operation = "memory.put"
	OpMemoryDelete  Operation = "memory.delete"
	OpTokenCreate   Operation = "token.create"
	OpTokenRevoke   Operation = "token.revoke"

	OpScheduleCreate  Operation = "schedule.create"
	OpScheduleUpdate  Operation = "schedule.update"
	OpScheduleDelete  Operation = "schedule.delete"
	OpScheduleTrigger Operation = "schedule.trigger"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	TokenID    string         `json:"token_id,omitempty"`
	TokenScope string         `json:"token_scope,omitempty"`
	Crew       string         `json:"crew,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing JSON to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", auth.MaskToken(event.TokenID)))
	}
	if event.TokenScope != "" {
		attrs = append(attrs, slog.String("token_scope", event.TokenScope))
	}
	if event.Crew != "" {
		attrs = append(attrs, slog.String("crew", event.Crew))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op for the caller in a, marking it failed when err is set
func (l *Logger) Record(op Operation, a *auth.AuthContext, crewName, sessionID string, err error) {
	event := &Event{
		Operation: op,
		Crew:      crewName,
		SessionID: sessionID,
		Success:   err == nil,
	}
	if a != nil && a.Token != nil {
		event.TokenID = a.Token.ID
		event.TokenScope = a.Token.Scope
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Record logs through the default logger
func Record(op Operation, a *auth.AuthContext, crewName, sessionID string, err error) {
	Default().Record(op, a, crewName, sessionID, err)
}
