package mcp

import (
	"context"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/graph"
)

// NotificationLogger is the logger name of pushed session events.
const NotificationLogger = "crewflow.session"

// logSender is the part of *mcp_sdk.ServerSession the notifier needs.
type logSender interface {
	Log(ctx context.Context, params *mcp_sdk.LoggingMessageParams) error
}

// sessionNotifier pushes session events to the MCP client that sent the
// latest message, as logging notifications.
type sessionNotifier struct {
	client logSender
}

func newSessionNotifier(client logSender) *sessionNotifier {
	return &sessionNotifier{client: client}
}

// Notify sends a compact form of ev. State snapshots stay behind; clients
// fetch them with the events action.
func (n *sessionNotifier) Notify(ctx context.Context, sessionID string, ev graph.Event) error {
	return n.client.Log(ctx, &mcp_sdk.LoggingMessageParams{
		Logger: NotificationLogger,
		Level:  levelOf(ev),
		Data:   eventPayload(sessionID, ev),
	})
}

func levelOf(ev graph.Event) mcp_sdk.LoggingLevel {
	if end, ok := ev.Data.(graph.RunEnd); ok && end.Status != graph.StatusCompleted && end.Status != graph.StatusInterrupted {
		return "warning"
	}
	if ev.Kind == graph.EventNodeStream {
		return "debug"
	}
	return "info"
}

func eventPayload(sessionID string, ev graph.Event) map[string]any {
	payload := map[string]any{
		"session_id": sessionID,
		"event":      string(ev.Kind),
		"name":       ev.Name,
		"run_id":     ev.RunID,
		"step":       ev.Step,
		"timestamp":  ev.Timestamp,
	}
	switch d := ev.Data.(type) {
	case graph.RunEnd:
		payload["status"] = d.Status
		if d.Reason != "" {
			payload["reason"] = d.Reason
		}
	case graph.NodeEnd:
		payload["next"] = d.Next
	case graph.Interrupt:
		payload["interrupt"] = d
	case nil:
	default:
		payload["data"] = d
	}
	return payload
}
