// Package script runs crew units written in Lua.
//
// A script defines a global function run(ctx). ctx describes the unit and
// the conversation; the script answers through the API functions below or
// by returning a string, which is taken as its reply.
//
//	reply(text)            answer and follow the static edges
//	finish(text)           answer and end the run
//	handoff(unit, reason?) transfer control through the unit's handoff tool
//	emit(text)             stream a chunk to the session
//	log(text)              write to the server log
//	store_put(key, value)  save a string or table in crew memory
//	store_get(key)         load it back, or nil
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/store"
)

// EntryFunction is the global a script must define.
const EntryFunction = "run"

// Handler is a compiled Lua script usable as a crew.Handler.
type Handler struct {
	name  string
	proto *lua.FunctionProto
}

var _ crew.Handler = (*Handler)(nil)

// New compiles source. Syntax errors are reported here, not at run time.
func New(name, source string) (*Handler, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Handler{name: name, proto: proto}, nil
}

// Load compiles the script at path.
func Load(path string) (*Handler, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return New(filepath.Base(path), string(src))
}

// Name returns the script's chunk name.
func (h *Handler) Name() string { return h.name }

type outcome int

const (
	outcomeNone outcome = iota
	outcomeReply
	outcomeFinish
	outcomeHandoff
)

// invocation is the per-call state the API functions write to.
type invocation struct {
	ctx  context.Context
	call *crew.Call

	outcome outcome
	text    string
	target  string
	reason  string
}

// Invoke runs the script in a fresh interpreter.
func (h *Handler) Invoke(ctx context.Context, call *crew.Call) (state.Command, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)

	inv := &invocation{ctx: ctx, call: call}
	inv.register(L)

	L.Push(L.NewFunctionFromProto(h.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return state.Command{}, fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal(EntryFunction)
	if fn.Type() != lua.LTFunction {
		return state.Command{}, fmt.Errorf("script %s must define a '%s' function", h.name, EntryFunction)
	}
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, contextTable(L, call))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return state.Command{}, ctxErr
		}
		return state.Command{}, fmt.Errorf("script %s: %w", h.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if s, ok := ret.(lua.LString); ok && inv.outcome == outcomeNone {
		inv.outcome, inv.text = outcomeReply, string(s)
	}

	switch inv.outcome {
	case outcomeHandoff:
		return call.Handoff(ctx, inv.target, inv.reason)
	case outcomeFinish:
		return call.Finish(inv.text), nil
	case outcomeReply:
		return call.Reply(inv.text), nil
	default:
		return state.Continue(state.Update{}), nil
	}
}

// openSafeLibs loads the libraries scripts may use. Nothing that touches
// the file system or spawns processes is exposed.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (inv *invocation) register(L *lua.LState) {
	L.SetGlobal("reply", L.NewFunction(inv.luaReply))
	L.SetGlobal("finish", L.NewFunction(inv.luaFinish))
	L.SetGlobal("handoff", L.NewFunction(inv.luaHandoff))
	L.SetGlobal("emit", L.NewFunction(inv.luaEmit))
	L.SetGlobal("log", L.NewFunction(inv.luaLog))
	L.SetGlobal("store_put", L.NewFunction(inv.luaStorePut))
	L.SetGlobal("store_get", L.NewFunction(inv.luaStoreGet))
}

func (inv *invocation) luaReply(L *lua.LState) int {
	inv.outcome, inv.text = outcomeReply, L.CheckString(1)
	return 0
}

func (inv *invocation) luaFinish(L *lua.LState) int {
	inv.outcome, inv.text = outcomeFinish, L.OptString(1, "")
	return 0
}

func (inv *invocation) luaHandoff(L *lua.LState) int {
	target := L.CheckString(1)
	if _, ok := inv.call.Tool(crew.HandoffToolName(target)); !ok {
		L.RaiseError("%s cannot hand off to %q", inv.call.Node, target)
		return 0
	}
	inv.outcome, inv.target, inv.reason = outcomeHandoff, target, L.OptString(2, "")
	return 0
}

func (inv *invocation) luaEmit(L *lua.LState) int {
	L.Push(lua.LBool(inv.call.Emit(L.CheckString(1))))
	return 1
}

func (inv *invocation) luaLog(L *lua.LState) int {
	if inv.call.Logger != nil {
		inv.call.Logger.Info(L.CheckString(1), "source", "script")
	}
	return 0
}

func (inv *invocation) luaStorePut(L *lua.LState) int {
	if inv.call.Store == nil {
		L.RaiseError("no store configured")
		return 0
	}
	key := L.CheckString(1)
	var value map[string]any
	switch v := L.CheckAny(2).(type) {
	case *lua.LTable:
		m, ok := toGo(v).(map[string]any)
		if !ok {
			m = map[string]any{"value": toGo(v)}
		}
		value = m
	default:
		value = map[string]any{"value": toGo(v)}
	}
	if err := inv.call.Store.Put(inv.ctx, inv.call.Namespace("memory"), key, value, nil); err != nil {
		L.RaiseError("store_put: %v", err)
	}
	return 0
}

func (inv *invocation) luaStoreGet(L *lua.LState) int {
	if inv.call.Store == nil {
		L.Push(lua.LNil)
		return 1
	}
	item, err := inv.call.Store.Get(inv.ctx, inv.call.Namespace("memory"), L.CheckString(1))
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		L.Push(lua.LNil)
	case err != nil:
		L.RaiseError("store_get: %v", err)
		return 0
	default:
		L.Push(toLua(L, item.Value))
	}
	return 1
}

// contextTable builds the ctx argument of run.
func contextTable(L *lua.LState, call *crew.Call) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "node", lua.LString(call.Node))
	L.SetField(tbl, "kind", lua.LString(call.Kind))
	L.SetField(tbl, "name", lua.LString(call.Name()))
	if a := call.Agent; a != nil {
		L.SetField(tbl, "agent", lua.LString(a.Name))
		L.SetField(tbl, "role", lua.LString(a.Role))
		L.SetField(tbl, "goal", lua.LString(a.Goal))
		L.SetField(tbl, "backstory", lua.LString(a.Backstory))
	}
	if t := call.Task; t != nil {
		L.SetField(tbl, "description", lua.LString(t.Description))
		L.SetField(tbl, "expected_output", lua.LString(t.ExpectedOutput))
	}

	msgs := L.NewTable()
	for _, m := range call.State.Messages {
		mt := L.NewTable()
		L.SetField(mt, "role", lua.LString(m.Role))
		L.SetField(mt, "content", lua.LString(m.Content))
		if m.Name != "" {
			L.SetField(mt, "name", lua.LString(m.Name))
		}
		msgs.Append(mt)
		if m.Role == state.RoleUser {
			L.SetField(tbl, "input", lua.LString(m.Content))
		}
	}
	L.SetField(tbl, "messages", msgs)

	inputs := L.NewTable()
	for _, out := range call.Context {
		L.SetField(inputs, out.Task, lua.LString(out.Output))
	}
	L.SetField(tbl, "context", inputs)

	tools := L.NewTable()
	for _, t := range call.Tools {
		if target := strings.TrimPrefix(t.Name, crew.HandoffToolPrefix); target != t.Name {
			tools.Append(lua.LString(target))
		}
	}
	L.SetField(tbl, "handoffs", tools)

	L.SetField(tbl, "metadata", toLua(L, call.State.Metadata))
	return tbl
}
