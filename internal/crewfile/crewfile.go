// Package crewfile loads crews declared in HCL.
//
//	variable "topic" {
//	  default = "databases"
//	}
//
//	crew "research" {
//	  interrupt_before = ["review"]
//	}
//
//	agent "researcher" {
//	  role   = "Researcher"
//	  goal   = "Collect facts about ${var.topic}"
//	  script = file("researcher.lua")
//	}
//
//	task "review" {
//	  description = "Review the findings"
//	  agent       = "researcher"
//	  context     = ["collect"]
//	}
//
// A unit runs an inline Lua script, a script file relative to the crew
// file, or a Go handler registered under a name.
package crewfile

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/script"
)

// Extension is the file extension of crew files.
const Extension = ".hcl"

// Options configures how a crew file becomes a crew.
type Options struct {
	// Inputs override variable defaults.
	Inputs map[string]string
	// Handlers are the Go handlers units may name with `handler = "..."`.
	Handlers map[string]crew.Handler
}

// Definition is a parsed crew file.
type Definition struct {
	Name        string
	Description string
	Path        string
	Variables   map[string]cty.Value
	Crew        *crew.Crew
}

// variablesFile is the first decoding pass: variables only.
type variablesFile struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type variableBlock struct {
	Name        string    `hcl:"name,label"`
	Description string    `hcl:"description,optional"`
	Default     cty.Value `hcl:"default,optional"`
}

// crewFile is the second pass, evaluated with the variables in scope.
type crewFile struct {
	Crew   *crewBlock    `hcl:"crew,block"`
	Agents []*agentBlock `hcl:"agent,block"`
	Tasks  []*taskBlock  `hcl:"task,block"`
}

type crewBlock struct {
	Name                 string   `hcl:"name,label"`
	Description          string   `hcl:"description,optional"`
	InterruptBefore      []string `hcl:"interrupt_before,optional"`
	InterruptAfter       []string `hcl:"interrupt_after,optional"`
	InterruptBeforeNodes []string `hcl:"interrupt_before_nodes,optional"`
	InterruptAfterNodes  []string `hcl:"interrupt_after_nodes,optional"`
	RecursionLimit       int      `hcl:"recursion_limit,optional"`
}

type handlerRef struct {
	Script     string `hcl:"script,optional"`
	ScriptFile string `hcl:"script_file,optional"`
	Handler    string `hcl:"handler,optional"`
}

type agentBlock struct {
	Name            string   `hcl:"name,label"`
	Role            string   `hcl:"role,optional"`
	Goal            string   `hcl:"goal,optional"`
	Backstory       string   `hcl:"backstory,optional"`
	HandoffTo       []string `hcl:"handoff_to,optional"`
	Entry           bool     `hcl:"entry,optional"`
	InterruptBefore bool     `hcl:"interrupt_before,optional"`
	InterruptAfter  bool     `hcl:"interrupt_after,optional"`
	Script          string   `hcl:"script,optional"`
	ScriptFile      string   `hcl:"script_file,optional"`
	Handler         string   `hcl:"handler,optional"`
}

type taskBlock struct {
	Name            string   `hcl:"name,label"`
	Description     string   `hcl:"description,optional"`
	ExpectedOutput  string   `hcl:"expected_output,optional"`
	Agent           string   `hcl:"agent,optional"`
	HandoffTo       []string `hcl:"handoff_to,optional"`
	Context         []string `hcl:"context,optional"`
	InterruptBefore bool     `hcl:"interrupt_before,optional"`
	InterruptAfter  bool     `hcl:"interrupt_after,optional"`
	Script          string   `hcl:"script,optional"`
	ScriptFile      string   `hcl:"script_file,optional"`
	Handler         string   `hcl:"handler,optional"`
}

// Load parses the crew file at path.
func Load(path string, opts Options) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(file.Body, path, opts)
}

// Parse parses crew source. filename names the source in diagnostics and
// anchors relative script files.
func Parse(src []byte, filename string, opts Options) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(file.Body, filename, opts)
}

// LoadDir loads every crew file directly under dir, keyed by crew name.
func LoadDir(dir string, opts Options) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error accessing path %s: %w", dir, err)
	}
	defs := make(map[string]*Definition)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		def, err := Load(filepath.Join(dir, e.Name()), opts)
		if err != nil {
			return nil, err
		}
		if prev, ok := defs[def.Name]; ok {
			return nil, fmt.Errorf("crew %q is declared in both %s and %s", def.Name, prev.Path, def.Path)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

func decode(body hcl.Body, path string, opts Options) (*Definition, error) {
	var vf variablesFile
	if diags := gohcl.DecodeBody(body, nil, &vf); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	vars, err := resolveVariables(vf.Variables, opts.Inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
		Functions: map[string]function.Function{"file": fileFunc(baseDir)},
	}

	var cf crewFile
	if diags := gohcl.DecodeBody(vf.Remain, evalCtx, &cf); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	def := &Definition{
		Name:      strings.TrimSuffix(filepath.Base(path), Extension),
		Path:      path,
		Variables: vars,
	}
	c := &crew.Crew{}
	if cb := cf.Crew; cb != nil {
		def.Name = cb.Name
		def.Description = cb.Description
		c.Interrupts = crew.InterruptConfig{
			Before:      cb.InterruptBefore,
			After:       cb.InterruptAfter,
			BeforeNodes: cb.InterruptBeforeNodes,
			AfterNodes:  cb.InterruptAfterNodes,
		}
		c.RecursionLimit = cb.RecursionLimit
	}
	c.Name = def.Name

	for _, ab := range cf.Agents {
		h, err := resolveHandler(baseDir, "agent "+ab.Name, handlerRef{ab.Script, ab.ScriptFile, ab.Handler}, opts.Handlers)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.Agents = append(c.Agents, &crew.Agent{
			Name:            ab.Name,
			Role:            ab.Role,
			Goal:            ab.Goal,
			Backstory:       ab.Backstory,
			HandoffTo:       ab.HandoffTo,
			Entry:           ab.Entry,
			InterruptBefore: ab.InterruptBefore,
			InterruptAfter:  ab.InterruptAfter,
			Handler:         h,
		})
	}
	for _, tb := range cf.Tasks {
		h, err := resolveHandler(baseDir, "task "+tb.Name, handlerRef{tb.Script, tb.ScriptFile, tb.Handler}, opts.Handlers)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.Tasks = append(c.Tasks, &crew.Task{
			Name:            tb.Name,
			Description:     tb.Description,
			ExpectedOutput:  tb.ExpectedOutput,
			Agent:           tb.Agent,
			HandoffTo:       tb.HandoffTo,
			Context:         tb.Context,
			InterruptBefore: tb.InterruptBefore,
			InterruptAfter:  tb.InterruptAfter,
			Handler:         h,
		})
	}

	def.Crew = c
	return def, nil
}

func resolveVariables(blocks []*variableBlock, inputs map[string]string) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(blocks))
	for _, vb := range blocks {
		if _, dup := vars[vb.Name]; dup {
			return nil, fmt.Errorf("variable %q is declared twice", vb.Name)
		}
		vars[vb.Name] = vb.Default
	}
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		if _, ok := vars[name]; !ok {
			return nil, fmt.Errorf("input %q does not match a declared variable", name)
		}
		vars[name] = cty.StringVal(inputs[name])
	}
	for name, v := range vars {
		if v.IsNull() {
			return nil, fmt.Errorf("variable %q has no default and no input", name)
		}
	}
	return vars, nil
}

func resolveHandler(baseDir, unit string, ref handlerRef, handlers map[string]crew.Handler) (crew.Handler, error) {
	set := 0
	for _, s := range []string{ref.Script, ref.ScriptFile, ref.Handler} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("%s: only one of script, script_file and handler may be set", unit)
	}

	switch {
	case ref.Script != "":
		h, err := script.New(unit, ref.Script)
		if err != nil {
			return nil, err
		}
		return h, nil
	case ref.ScriptFile != "":
		path := ref.ScriptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		h, err := script.Load(path)
		if err != nil {
			return nil, err
		}
		return h, nil
	case ref.Handler != "":
		h, ok := handlers[ref.Handler]
		if !ok {
			return nil, fmt.Errorf("%s: unknown handler %q", unit, ref.Handler)
		}
		return h, nil
	}
	return nil, nil
}
