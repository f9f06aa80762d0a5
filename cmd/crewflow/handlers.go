package main

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/state"
)

// builtinHandlers are the Go handlers crew files may name with
// `handler = "..."`.
func builtinHandlers() map[string]crew.Handler {
	return map[string]crew.Handler{
		"echo":   crew.HandlerFunc(echoHandler),
		"finish": crew.HandlerFunc(finishHandler),
	}
}

// echoHandler replies with the latest user message, or with the task
// description when the conversation has none.
func echoHandler(_ context.Context, call *crew.Call) (state.Command, error) {
	return call.Reply(echoText(call)), nil
}

// finishHandler replies like echo and ends the run.
func finishHandler(_ context.Context, call *crew.Call) (state.Command, error) {
	return call.Finish(echoText(call)), nil
}

func echoText(call *crew.Call) string {
	msgs := call.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == state.RoleUser {
			return fmt.Sprintf("%s: %s", call.Name(), msgs[i].Content)
		}
	}
	if call.Task != nil {
		return fmt.Sprintf("%s: %s", call.Name(), call.Task.Description)
	}
	return call.Name()
}
