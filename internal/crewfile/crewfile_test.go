package crewfile

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/graph"
	"github.com/HyphaGroup/crewflow/internal/state"
	"github.com/HyphaGroup/crewflow/internal/testutil"
)

const researchCrew = `
variable "topic" {
  default = "databases"
}

crew "research" {
  description      = "Research and write"
  interrupt_before = ["write"]
}

agent "researcher" {
  role   = "Researcher"
  goal   = "Collect facts about ${var.topic}"
  script = <<EOT
function run(ctx)
  return "facts about " .. ctx.goal
end
EOT
}

task "collect" {
  description = "Collect"
  agent       = "researcher"
}

task "write" {
  description = "Write"
  agent       = "researcher"
  context     = ["collect"]
  handler     = "writer"
}
`

func TestParse(t *testing.T) {
	writer := testutil.NewMockHandler(t)
	def, err := Parse([]byte(researchCrew), "research.hcl", Options{
		Handlers: map[string]crew.Handler{"writer": writer},
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if def.Name != "research" || def.Description != "Research and write" {
		t.Errorf("Name, Description = %q, %q", def.Name, def.Description)
	}
	c := def.Crew
	if len(c.Agents) != 1 || len(c.Tasks) != 2 {
		t.Fatalf("agents, tasks = %d, %d; want 1, 2", len(c.Agents), len(c.Tasks))
	}
	if got := c.Agents[0].Goal; got != "Collect facts about databases" {
		t.Errorf("Goal = %q", got)
	}
	if !slices.Equal(c.Tasks[1].Context, []string{"collect"}) {
		t.Errorf("Context = %v", c.Tasks[1].Context)
	}
	if c.Tasks[1].Handler != writer {
		t.Error("task handler is not the registered writer")
	}
	if !slices.Equal(c.Interrupts.Before, []string{"write"}) {
		t.Errorf("Interrupts.Before = %v", c.Interrupts.Before)
	}
}

func TestParseRuns(t *testing.T) {
	def, err := Parse([]byte(researchCrew), "research.hcl", Options{
		Inputs:   map[string]string{"topic": "queues"},
		Handlers: map[string]crew.Handler{"writer": testutil.NewMockHandler(t)},
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def.Crew.Interrupts = crew.InterruptConfig{}
	compiled := testutil.MustCompile(t, def.Crew)

	st, _, err := compiled.Graph().Invoke(context.Background(), testutil.UserInput("go"), graph.RunConfig{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	out, ok := st.Output("collect")
	if !ok || out.Output != "facts about Collect facts about queues" {
		t.Errorf("Output(collect) = %+v, %v", out, ok)
	}
	if _, ok := st.Output("write"); !ok {
		t.Error("write produced no output")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		inputs map[string]string
		want   string
	}{
		{"syntax", `agent "a" {`, nil, "failed to parse"},
		{"unknown attribute", `agent "a" { colour = "red" }`, nil, "failed to decode"},
		{"undeclared input", `agent "a" {}`, map[string]string{"x": "1"}, "does not match a declared variable"},
		{"required variable", `variable "x" {}`, nil, "has no default"},
		{"unknown handler", `agent "a" { handler = "ghost" }`, nil, "unknown handler"},
		{"two handler sources", `agent "a" {
  handler = "x"
  script  = "function run(ctx) end"
}`, nil, "only one of"},
		{"bad script", `agent "a" { script = "function run(" }`, nil, "parse"},
		{"undefined variable", `agent "a" { goal = var.nope }`, nil, "failed to decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.hcl", Options{Inputs: tt.inputs})
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("greeter.lua", `function run(ctx) return "hello " .. ctx.input end`)
	write("greet.hcl", `agent "greeter" { script_file = "greeter.lua" }`)
	write("other.hcl", `
crew "pair" {}
agent "a" { script = file("greeter.lua") }
`)
	write("notes.txt", "ignored")

	defs, err := LoadDir(dir, Options{})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(defs) != 2 || defs["greet"] == nil || defs["pair"] == nil {
		t.Fatalf("LoadDir() = %v, want greet and pair", defs)
	}

	compiled := testutil.MustCompile(t, defs["greet"].Crew)
	st, _, err := compiled.Graph().Invoke(context.Background(), graph.Input{Messages: []state.Message{state.UserMessage("bob")}}, graph.RunConfig{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	last, _ := st.LastMessage()
	if last.Content != "hello bob" {
		t.Errorf("reply = %q, want %q", last.Content, "hello bob")
	}
}

func TestLoadDirDuplicateCrew(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.hcl", "b.hcl"} {
		src := `crew "same" {}` + "\n" + `agent "x" {}`
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadDir(dir, Options{}); err == nil {
		t.Error("LoadDir() error = nil, want duplicate crew error")
	}
}

func TestFileFunctionStaysInDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.lua"), []byte("return 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []string{"../secret.lua", "/etc/passwd", "missing.lua"}
	for _, ref := range tests {
		t.Run(ref, func(t *testing.T) {
			path := filepath.Join(dir, "crew.hcl")
			src := `agent "a" { script = file("` + ref + `") }`
			if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path, Options{}); err == nil {
				t.Errorf("Load() with file(%q): error = nil", ref)
			}
		})
	}
}
