package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/store"
	"github.com/HyphaGroup/crewflow/internal/testutil"
)

func mustScript(t *testing.T, src string) *Handler {
	t.Helper()
	h, err := New("test.lua", src)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func invoke(t *testing.T, c *crew.Crew, input string) (*state.State, error) {
	t.Helper()
	compiled := testutil.MustCompile(t, c)
	st, _, err := compiled.Graph().Invoke(context.Background(), testutil.UserInput(input), graph.RunConfig{ThreadID: "t"})
	return st, err
}

func TestReplyByReturn(t *testing.T) {
	h := mustScript(t, `
function run(ctx)
  return ctx.role .. " heard: " .. ctx.input
end`)
	st, err := invoke(t, &crew.Crew{Agents: []*crew.Agent{{Name: "echo", Role: "Echo", Handler: h}}}, "hello")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	last, _ := st.LastMessage()
	if last.Content != "Echo heard: hello" {
		t.Errorf("reply = %q, want %q", last.Content, "Echo heard: hello")
	}
	if last.Name != "echo" {
		t.Errorf("Name = %q, want echo", last.Name)
	}
}

func TestHandoff(t *testing.T) {
	triage := mustScript(t, `
function run(ctx)
  if string.find(ctx.input, "refund") then
    handoff("billing", "refund")
    return
  end
  reply("no idea")
end`)
	billing := mustScript(t, `function run(ctx) reply("refund issued") end`)

	st, err := invoke(t, &crew.Crew{Agents: []*crew.Agent{
		{Name: "triage", HandoffTo: []string{"billing"}, Handler: triage},
		{Name: "billing", Handler: billing},
	}}, "I want a refund")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	last, _ := st.LastMessage()
	if last.Content != "refund issued" || last.Name != "billing" {
		t.Errorf("last = %+v, want billing reply", last)
	}
}

func TestHandoffUndeclared(t *testing.T) {
	h := mustScript(t, `function run(ctx) handoff("nobody") end`)
	_, err := invoke(t, &crew.Crew{Agents: []*crew.Agent{{Name: "a", Handler: h}}}, "x")
	if !crew.IsUnitExecutionError(err) {
		t.Errorf("error = %v, want UnitExecutionError", err)
	}
}

func TestFinishStopsRun(t *testing.T) {
	first := mustScript(t, `function run(ctx) finish("done early") end`)
	second := testutil.NewMockHandler(t)

	_, err := invoke(t, &crew.Crew{Agents: []*crew.Agent{
		{Name: "a", Handler: first},
		{Name: "b", Handler: second},
	}}, "go")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if second.CallCount() != 0 {
		t.Errorf("second agent ran %d times, want 0", second.CallCount())
	}
}

func TestStore(t *testing.T) {
	mem := store.NewMemoryStore()
	h := mustScript(t, `
function run(ctx)
  local seen = store_get("visits")
  local n = 1
  if seen then n = seen.count + 1 end
  store_put("visits", {count = n})
  return "visit " .. n
end`)
	c := &crew.Crew{Name: "counter", Store: mem, Agents: []*crew.Agent{{Name: "a", Handler: h}}}

	for want := 1; want <= 2; want++ {
		st, err := invoke(t, c, "hi")
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		last, _ := st.LastMessage()
		if got := last.Content; got != "visit "+string(rune('0'+want)) {
			t.Errorf("reply = %q, want visit %d", got, want)
		}
	}

	item, err := mem.Get(context.Background(), []string{"crews", "counter", "memory"}, "visits")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if item.Value["count"] != float64(2) {
		t.Errorf("count = %v, want 2", item.Value["count"])
	}
}

func TestTaskContext(t *testing.T) {
	research := mustScript(t, `function run(ctx) return "42" end`)
	write := mustScript(t, `function run(ctx) return ctx.description .. ": " .. ctx.context.research end`)

	st, err := invoke(t, &crew.Crew{Tasks: []*crew.Task{
		{Name: "research", Handler: research},
		{Name: "write", Description: "answer", Context: []string{"research"}, Handler: write},
	}}, "go")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	out, ok := st.Output("write")
	if !ok || out.Output != "answer: 42" {
		t.Errorf("Output(write) = %+v, %v", out, ok)
	}
}

func TestEmit(t *testing.T) {
	h := mustScript(t, `function run(ctx) emit("partial") return "full" end`)
	compiled := testutil.MustCompile(t, &crew.Crew{Agents: []*crew.Agent{{Name: "a", Handler: h}}})

	var chunks []any
	for ev, err := range compiled.Stream(context.Background(), testutil.UserInput("x"), graph.RunConfig{}) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		if ev.Kind == graph.EventNodeStream {
			chunks = append(chunks, ev.Data)
		}
	}
	if len(chunks) != 1 || chunks[0] != "partial" {
		t.Errorf("chunks = %v, want [partial]", chunks)
	}
}

func TestErrors(t *testing.T) {
	if _, err := New("bad.lua", "function run(ctx"); err == nil {
		t.Error("New() error = nil, want syntax error")
	}

	tests := []struct {
		name string
		src  string
	}{
		{"no run function", `x = 1`},
		{"runtime error", `function run(ctx) error("boom") end`},
		{"sandboxed", `function run(ctx) dofile("/etc/passwd") end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(t, &crew.Crew{Agents: []*crew.Agent{{Name: "a", Handler: mustScript(t, tt.src)}}}, "x")
			if !crew.IsUnitExecutionError(err) {
				t.Errorf("error = %v, want UnitExecutionError", err)
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	h := mustScript(t, `function run(ctx) while true do end end`)
	compiled := testutil.MustCompile(t, &crew.Crew{Agents: []*crew.Agent{{Name: "spin", Handler: h}}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := compiled.Graph().Invoke(ctx, testutil.UserInput("x"), graph.RunConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lua")
	if err := os.WriteFile(path, []byte(`function run(ctx) return "ok" end`), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.HasSuffix(h.Name(), "agent.lua") {
		t.Errorf("Name() = %q", h.Name())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("Load() of missing file error = nil")
	}
}
