package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/audit"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/session"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/validation"
)

const (
	defaultMaxEvents = 100
	maxEventsLimit   = 1000
)

var sessionActions = []string{"send", "resume", "stop", "status", "events", "list", "remove"}

// SessionParams are the arguments of the session tool.
type SessionParams struct {
	Action         string `json:"action" jsonschema:"one of send, resume, stop, status, events, list, remove"`
	SessionID      string `json:"session_id,omitempty" jsonschema:"session to address; send creates one when empty"`
	Crew           string `json:"crew,omitempty" jsonschema:"crew to run; required when send creates a session"`
	Message        string `json:"message,omitempty" jsonschema:"user message for send and resume"`
	Reason         string `json:"reason,omitempty" jsonschema:"why the run is stopped"`
	SinceIndex     *int   `json:"since_index,omitempty" jsonschema:"return events after this index; omit for all buffered events"`
	MaxEvents      int    `json:"max_events,omitempty" jsonschema:"maximum events to return (default 100)"`
	Status         string `json:"status,omitempty" jsonschema:"filter list by session status"`
	Wait           bool   `json:"wait,omitempty" jsonschema:"block until the turn finishes"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"how long wait blocks (default 120)"`
}

// SendResult is returned by send and resume.
type SendResult struct {
	SessionID string       `json:"session_id"`
	Crew      string       `json:"crew"`
	RunID     string       `json:"run_id"`
	Created   bool         `json:"created"`
	Session   session.Info `json:"session"`
}

// EventsResult is returned by events.
type EventsResult struct {
	SessionID  string                   `json:"session_id"`
	Status     session.Status           `json:"status"`
	Events     []*session.BufferedEvent `json:"events"`
	LastIndex  int                      `json:"last_index"`
	StartIndex int                      `json:"start_index"`
	Dropped    int64                    `json:"dropped_events,omitempty"`
}

func (s *Server) handleSession(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("session", sessionActions)
	}
	if params.SessionID != "" {
		if err := validation.ValidateSessionID(params.SessionID); err != nil {
			return nil, nil, err
		}
	}

	switch params.Action {
	case "send":
		return s.sessionSend(ctx, req, params, false)
	case "resume":
		return s.sessionSend(ctx, req, params, true)
	case "stop":
		return s.sessionStop(ctx, params)
	case "status":
		return s.sessionStatus(ctx, params)
	case "events":
		return s.sessionEvents(ctx, params)
	case "list":
		return s.sessionList(ctx, params)
	case "remove":
		return s.sessionRemove(ctx, params)
	default:
		return nil, nil, actionError("session", params.Action, sessionActions)
	}
}

// sessionCrew returns the crew a live or indexed session runs.
func (s *Server) sessionCrew(sessionID string) (string, error) {
	info, err := s.sessions.Info(sessionID)
	if err != nil {
		return "", err
	}
	return info.Crew, nil
}

func (s *Server) sessionSend(ctx context.Context, req *mcp.CallToolRequest, params SessionParams, resume bool) (*mcp.CallToolResult, any, error) {
	if !resume && params.Message == "" {
		return nil, nil, fmt.Errorf("message is required for send")
	}
	if resume && params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required for resume")
	}

	crewName := params.Crew
	if params.SessionID != "" {
		existing, err := s.sessionCrew(params.SessionID)
		switch {
		case err == nil && crewName == "":
			crewName = existing
		case err != nil && !errors.Is(err, session.ErrSessionNotFound):
			return nil, nil, err
		case err != nil && resume:
			return nil, nil, err
		}
	}
	if crewName == "" {
		return nil, nil, fmt.Errorf("crew is required to create a session")
	}
	authCtx, err := requireCrewWrite(ctx, crewName)
	if err != nil {
		return nil, nil, err
	}

	c, created, err := s.sessions.GetOrCreate(params.SessionID, crewName)
	if err != nil {
		audit.Record(audit.OpSessionSend, authCtx, crewName, params.SessionID, err)
		return nil, nil, err
	}
	if req != nil && req.Session != nil {
		c.SetNotifier(newSessionNotifier(req.Session))
	}

	var in graph.Input
	if params.Message != "" {
		in.Messages = []state.Message{state.UserMessage(params.Message)}
	}
	var run *session.Run
	if resume {
		run, err = c.Resume(ctx, in)
	} else {
		run, err = c.Send(ctx, in)
	}
	audit.Record(audit.OpSessionSend, authCtx, crewName, c.ID(), err)
	if err != nil {
		return nil, nil, err
	}

	info := c.Info()
	if params.Wait {
		timeout := defaultWaitTimeout
		if params.TimeoutSeconds > 0 {
			timeout = time.Duration(params.TimeoutSeconds) * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if info, err = c.Wait(waitCtx); err != nil {
			return nil, nil, err
		}
	}

	return nil, SendResult{
		SessionID: c.ID(),
		Crew:      crewName,
		RunID:     run.ID(),
		Created:   created,
		Session:   info,
	}, nil
}

func (s *Server) sessionStop(ctx context.Context, params SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required for stop")
	}
	crewName, err := s.sessionCrew(params.SessionID)
	if err != nil {
		return nil, nil, err
	}
	authCtx, err := requireCrewWrite(ctx, crewName)
	if err != nil {
		return nil, nil, err
	}

	reason := params.Reason
	if reason == "" {
		reason = "stopped by client"
	}
	stopped, err := s.sessions.Stop(params.SessionID, reason)
	audit.Record(audit.OpSessionStop, authCtx, crewName, params.SessionID, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"session_id": params.SessionID, "stopped": stopped}, nil
}

func (s *Server) sessionStatus(ctx context.Context, params SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required for status")
	}
	info, err := s.sessions.Info(params.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := requireCrewAccess(ctx, info.Crew); err != nil {
		return nil, nil, err
	}
	return nil, info, nil
}

func (s *Server) sessionEvents(ctx context.Context, params SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required for events")
	}
	info, err := s.sessions.Info(params.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := requireCrewAccess(ctx, info.Crew); err != nil {
		return nil, nil, err
	}

	result := EventsResult{
		SessionID:  info.SessionID,
		Status:     info.Status,
		Events:     []*session.BufferedEvent{},
		LastIndex:  -1,
		StartIndex: 0,
	}
	// Sessions evicted from memory keep no event history.
	c, ok := s.sessions.Get(params.SessionID)
	if !ok {
		return nil, result, nil
	}

	since := -1
	if params.SinceIndex != nil {
		since = *params.SinceIndex
	}
	limit := params.MaxEvents
	if limit <= 0 {
		limit = defaultMaxEvents
	}
	limit = min(limit, maxEventsLimit)

	buf := c.Events()
	events, err := buf.After(since, limit)
	if err != nil {
		return nil, nil, err
	}
	stats := buf.Stats()
	result.Status = c.Status()
	result.Events = events
	result.LastIndex = stats.LastIndex
	result.StartIndex = stats.StartIndex
	result.Dropped = stats.DroppedEvents
	return nil, result, nil
}

func (s *Server) sessionList(ctx context.Context, params SessionParams) (*mcp.CallToolResult, any, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make([]session.Info, 0)
	for _, info := range s.sessions.List() {
		if !authCtx.CanAccessCrew(info.Crew) {
			continue
		}
		if params.Crew != "" && info.Crew != params.Crew {
			continue
		}
		if params.Status != "" && string(info.Status) != params.Status {
			continue
		}
		out = append(out, info)
	}
	return nil, map[string]any{"sessions": out, "count": len(out)}, nil
}

func (s *Server) sessionRemove(ctx context.Context, params SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required for remove")
	}
	crewName, err := s.sessionCrew(params.SessionID)
	if err != nil {
		return nil, nil, err
	}
	authCtx, err := requireCrewWrite(ctx, crewName)
	if err != nil {
		return nil, nil, err
	}
	err = s.sessions.Remove(params.SessionID)
	audit.Record(audit.OpSessionRemove, authCtx, crewName, params.SessionID, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"session_id": params.SessionID, "removed": true}, nil
}
