package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerSessionTools(r)
	s.registerCrewTools(r)
	s.registerMemoryTools(r)
	s.registerTokenTools(r)
	s.registerScheduleTools(r)
}

func (s *Server) registerSessionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "session",
		Description: `Run crews in sessions. A session binds one conversation thread to one crew.

Actions:
  send    Send a user message. Creates the session when session_id is empty or unknown (crew required).
          A message sent while a turn is running supersedes that turn.
  resume  Continue an interrupted (needs_input) session, optionally with a message.
  stop    Stop the running turn of session_id. Optional reason.
  status  Get session details by session_id.
  events  Poll buffered events by session_id. Use since_index for pagination and max_events to cap.
  list    List sessions. Filter by crew or status.
  remove  Close a session and forget it.

Events are also pushed as logging notifications (logger "crewflow.session") to the client
that sent the latest message. Set wait=true on send to block until the turn ends.`,
		Target: TargetCrew,
		Access: AccessRead,
	}, s.handleSession)
}

func (s *Server) registerCrewTools(r *Registry) {
	Register(r, ToolDef{
		Name: "crew",
		Description: `Inspect the crews this server can run.

Actions:
  list      List crews with their topology variant and node count.
  graph     Describe the compiled graph of crew name: variant, nodes, edges, interrupts.
  validate  Compile crew name, or HCL source, and report configuration errors.
  reload    Re-read the crew directory. Requires admin scope.`,
		Target: TargetGlobal,
		Access: AccessRead,
	}, s.handleCrew)
}

func (s *Server) registerMemoryTools(r *Registry) {
	Register(r, ToolDef{
		Name: "memory",
		Description: `Read and write the long-term memory shared by crew runs.

Actions:
  put     Store value (an object) under namespace and key, with an optional embedding vector.
  get     Load the item at namespace and key.
  delete  Delete the item at namespace and key.
  list    List items whose namespace starts with namespace.
  search  Rank items under namespace by cosine similarity to vector.

Crew memory lives under ["crews", "<crew>", ...]. Crew-scoped tokens are confined to their crew.`,
		Target: TargetCrew,
		Access: AccessRead,
	}, s.handleMemory)
}

func (s *Server) registerTokenTools(r *Registry) {
	Register(r, ToolDef{
		Name: "token",
		Description: `Manage API tokens for MCP authentication. Requires admin scope.

Actions:
  create  Create a token. Scope is "admin", "admin:ro", "crew:<name>" or "crew:<name>:ro".
  list    List tokens with metadata (scope, created date, last used).
  revoke  Revoke a token by token_id.`,
		Target: TargetGlobal,
		Access: AccessAdmin,
	}, s.handleToken)
}

func (s *Server) registerScheduleTools(r *Registry) {
	Register(r, ToolDef{
		Name: "schedule",
		Description: `Run crews on a cron schedule.

Actions:
  create   Create a schedule: name, cron_expr, crew and message. Optional overlap_behavior and session_behavior.
  list     List schedules. Filter by crew or enabled.
  get      Get schedule details by schedule_id.
  update   Change name, cron_expr, message, enabled or behaviors of schedule_id.
  delete   Delete schedule_id and its history.
  trigger  Run schedule_id now and wait for the turn to end.
  history  List recent executions of schedule_id. Use limit to cap.

With session_behavior "resume" every run continues the same session thread.
Runs execute with the scope of the token that created the schedule.`,
		Target: TargetCrew,
		Access: AccessRead,
	}, s.handleSchedule)
}
