package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/audit"
	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/schedule"
	"github.com/HyphaGroup/crewflow/internal/session"
	"github.com/HyphaGroup/crewflow/internal/state"
)

var scheduleActions = []string{"create", "list", "get", "update", "delete", "trigger", "history"}

// ScheduleParams are the arguments of the schedule tool.
type ScheduleParams struct {
	Action          string `json:"action" jsonschema:"one of create, list, get, update, delete, trigger, history"`
	ScheduleID      string `json:"schedule_id,omitempty" jsonschema:"schedule for get, update, delete, trigger and history"`
	Name            string `json:"name,omitempty" jsonschema:"schedule name"`
	CronExpr        string `json:"cron_expr,omitempty" jsonschema:"5-field cron expression or descriptor such as @hourly"`
	Crew            string `json:"crew,omitempty" jsonschema:"crew the schedule runs; also filters list"`
	Message         string `json:"message,omitempty" jsonschema:"user message sent on every run"`
	Enabled         *bool  `json:"enabled,omitempty" jsonschema:"pause or resume the schedule"`
	OverlapBehavior string `json:"overlap_behavior,omitempty" jsonschema:"skip (default) or parallel"`
	SessionBehavior string `json:"session_behavior,omitempty" jsonschema:"resume (default) keeps one thread; new starts a fresh session per run"`
	Limit           int    `json:"limit,omitempty" jsonschema:"history entries to return (default 20)"`
}

func (s *Server) handleSchedule(ctx context.Context, req *mcp.CallToolRequest, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("schedule", scheduleActions)
	}
	if s.schedules == nil {
		return nil, nil, fmt.Errorf("schedules are not configured")
	}

	switch params.Action {
	case "create":
		return s.scheduleCreate(ctx, params)
	case "list":
		return s.scheduleList(ctx, params)
	case "get":
		return s.scheduleGet(ctx, params)
	case "update":
		return s.scheduleUpdate(ctx, params)
	case "delete":
		return s.scheduleDelete(ctx, params)
	case "trigger":
		return s.scheduleTrigger(ctx, params)
	case "history":
		return s.scheduleHistory(ctx, params)
	default:
		return nil, nil, actionError("schedule", params.Action, scheduleActions)
	}
}

func (s *Server) scheduleCreate(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if params.CronExpr == "" {
		return nil, nil, fmt.Errorf("cron_expr is required")
	}
	if params.Crew == "" {
		return nil, nil, fmt.Errorf("crew is required")
	}
	if params.Message == "" {
		return nil, nil, fmt.Errorf("message is required")
	}
	authCtx, err := requireCrewWrite(ctx, params.Crew)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := s.catalog.Get(params.Crew); !ok {
		return nil, nil, fmt.Errorf("crew %q not found", params.Crew)
	}

	sched := &schedule.Schedule{
		Name:           params.Name,
		CronExpr:       params.CronExpr,
		Crew:           params.Crew,
		Message:        params.Message,
		Enabled:        true,
		CreatorTokenID: authCtx.Token.ID,
		CreatorScope:   authCtx.Token.Scope,
	}
	if params.Enabled != nil {
		sched.Enabled = *params.Enabled
	}
	if sched.OverlapBehavior, err = overlapParam(params.OverlapBehavior); err != nil {
		return nil, nil, err
	}
	if sched.SessionBehavior, err = sessionBehaviorParam(params.SessionBehavior); err != nil {
		return nil, nil, err
	}

	err = s.schedules.Create(sched)
	audit.Record(audit.OpScheduleCreate, authCtx, sched.Crew, "", err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	var b strings.Builder
	b.WriteString("Schedule created.\n\n")
	fmt.Fprintf(&b, "ID:       %s\n", sched.ID)
	fmt.Fprintf(&b, "Name:     %s\n", sched.Name)
	fmt.Fprintf(&b, "Cron:     %s\n", sched.CronExpr)
	fmt.Fprintf(&b, "Crew:     %s\n", sched.Crew)
	fmt.Fprintf(&b, "Enabled:  %v\n", sched.Enabled)
	if sched.NextRunAt != nil {
		runs, _ := schedule.Upcoming(sched.CronExpr, time.Now(), 3)
		b.WriteString("Next runs:\n")
		for _, r := range runs {
			fmt.Fprintf(&b, "  %s\n", r.Format("2006-01-02 15:04:05"))
		}
	}
	return NewTextResult(b.String()), sched, nil
}

func (s *Server) scheduleList(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, nil, err
	}
	filter := &schedule.ListFilter{Crew: params.Crew, Enabled: params.Enabled}
	if crew := auth.ExtractCrew(authCtx.Token.Scope); crew != "" {
		if params.Crew != "" && params.Crew != crew {
			return nil, nil, fmt.Errorf("access denied to crew %s", params.Crew)
		}
		filter.Crew = crew
	}

	schedules, err := s.schedules.List(filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	return nil, map[string]any{"schedules": schedules, "count": len(schedules)}, nil
}

// accessibleSchedule loads a schedule and checks the caller may see it,
// and change it when write is set.
func (s *Server) accessibleSchedule(ctx context.Context, id string, write bool) (*schedule.Schedule, *auth.AuthContext, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}
	sched, err := s.schedules.Get(id)
	if err != nil {
		return nil, nil, err
	}
	check := requireCrewAccess
	if write {
		check = requireCrewWrite
	}
	authCtx, err := check(ctx, sched.Crew)
	if err != nil {
		return nil, nil, err
	}
	return sched, authCtx, nil
}

func (s *Server) scheduleGet(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	sched, _, err := s.accessibleSchedule(ctx, params.ScheduleID, false)
	if err != nil {
		return nil, nil, err
	}
	return nil, sched, nil
}

func (s *Server) scheduleUpdate(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	sched, authCtx, err := s.accessibleSchedule(ctx, params.ScheduleID, true)
	if err != nil {
		return nil, nil, err
	}
	if params.Crew != "" && params.Crew != sched.Crew {
		return nil, nil, fmt.Errorf("crew cannot be changed; create a new schedule instead")
	}

	update := &schedule.ScheduleUpdate{Enabled: params.Enabled}
	if params.Name != "" {
		update.Name = &params.Name
	}
	if params.CronExpr != "" {
		update.CronExpr = &params.CronExpr
	}
	if params.Message != "" {
		update.Message = &params.Message
	}
	if params.OverlapBehavior != "" {
		b, err := overlapParam(params.OverlapBehavior)
		if err != nil {
			return nil, nil, err
		}
		update.OverlapBehavior = &b
	}
	if params.SessionBehavior != "" {
		b, err := sessionBehaviorParam(params.SessionBehavior)
		if err != nil {
			return nil, nil, err
		}
		update.SessionBehavior = &b
	}

	err = s.schedules.Update(sched.ID, update)
	audit.Record(audit.OpScheduleUpdate, authCtx, sched.Crew, "", err)
	if err != nil {
		return nil, nil, err
	}
	updated, err := s.schedules.Get(sched.ID)
	if err != nil {
		return nil, nil, err
	}
	return nil, updated, nil
}

func (s *Server) scheduleDelete(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	sched, authCtx, err := s.accessibleSchedule(ctx, params.ScheduleID, true)
	if err != nil {
		return nil, nil, err
	}
	err = s.schedules.Delete(sched.ID)
	audit.Record(audit.OpScheduleDelete, authCtx, sched.Crew, "", err)
	if err != nil {
		return nil, nil, err
	}
	return NewTextResult(fmt.Sprintf("Schedule %s deleted.", sched.ID)), map[string]any{"schedule_id": sched.ID, "deleted": true}, nil
}

func (s *Server) scheduleTrigger(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	sched, authCtx, err := s.accessibleSchedule(ctx, params.ScheduleID, true)
	if err != nil {
		return nil, nil, err
	}
	exec, err := s.runner.TriggerNow(ctx, sched)
	audit.Record(audit.OpScheduleTrigger, authCtx, sched.Crew, sessionOf(exec), err)
	if exec == nil {
		return nil, nil, err
	}
	// A failed run is reported through the execution record.
	return nil, exec, nil
}

func (s *Server) scheduleHistory(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	sched, _, err := s.accessibleSchedule(ctx, params.ScheduleID, false)
	if err != nil {
		return nil, nil, err
	}
	execs, err := s.schedules.ListExecutions(sched.ID, params.Limit)
	if err != nil {
		return nil, nil, err
	}
	if execs == nil {
		execs = []*schedule.Execution{}
	}
	return nil, map[string]any{"schedule_id": sched.ID, "executions": execs, "count": len(execs)}, nil
}

func sessionOf(exec *schedule.Execution) string {
	if exec == nil {
		return ""
	}
	return exec.SessionID
}

func overlapParam(v string) (schedule.OverlapBehavior, error) {
	if v == "" {
		return schedule.OverlapSkip, nil
	}
	b := schedule.OverlapBehavior(v)
	if !schedule.IsValidOverlapBehavior(b) {
		return "", fmt.Errorf("invalid overlap_behavior: %s", v)
	}
	return b, nil
}

func sessionBehaviorParam(v string) (schedule.SessionBehavior, error) {
	if v == "" {
		return schedule.SessionResume, nil
	}
	b := schedule.SessionBehavior(v)
	if !schedule.IsValidSessionBehavior(b) {
		return "", fmt.Errorf("invalid session_behavior: %s", v)
	}
	return b, nil
}

// executeSchedule is the schedule runner's ExecutionFunc: it sends the
// schedule's message to its crew and waits for the turn to end.
func (s *Server) executeSchedule(ctx context.Context, sched *schedule.Schedule) (schedule.Result, error) {
	creator := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{ID: sched.CreatorTokenID, Scope: sched.CreatorScope}}
	if !creator.CanAccessCrew(sched.Crew) || !creator.CanWrite() {
		return schedule.Result{}, fmt.Errorf("schedule creator scope %s is not authorized for crew %s", sched.CreatorScope, sched.Crew)
	}

	sessionID := ""
	if sched.SessionBehavior != schedule.SessionNew {
		sessionID = sched.SessionID
	}
	c, _, err := s.sessions.GetOrCreate(sessionID, sched.Crew)
	if errors.Is(err, session.ErrCrewMismatch) {
		logger.Warn("Schedule %s: pinned session %s runs another crew, starting a new one", sched.ID, sessionID)
		c, _, err = s.sessions.GetOrCreate("", sched.Crew)
	}
	if err != nil {
		return schedule.Result{}, err
	}

	run, err := c.Send(ctx, graph.Input{Messages: []state.Message{state.UserMessage(sched.Message)}})
	audit.Record(audit.OpSessionSend, creator, sched.Crew, c.ID(), err)
	if err != nil {
		return schedule.Result{SessionID: c.ID()}, err
	}
	info, err := c.Wait(ctx)
	res := schedule.Result{
		SessionID: c.ID(),
		RunID:     run.ID(),
		RunStatus: string(info.Status),
		Output:    info.LastOutput,
	}
	if err != nil {
		return res, err
	}
	if info.Status == session.StatusFailed {
		return res, fmt.Errorf("run failed: %s", info.Error)
	}
	return res, nil
}
