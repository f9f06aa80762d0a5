package mcp

import (
	"testing"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/crew"
)

func TestCrew_List(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		scope string
		want  []string
	}{
		{auth.ScopeAdmin, []string{"alpha", "beta"}},
		{auth.ScopeCrewRO("beta"), []string{"beta"}},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			got, err := s.call(t, scopedContext(tt.scope), "crew", map[string]any{"action": "list"})
			if err != nil {
				t.Fatalf("list error = %v", err)
			}
			crews := got.(map[string]any)["crews"].([]CrewSummary)
			if len(crews) != len(tt.want) {
				t.Fatalf("list = %+v, want %v", crews, tt.want)
			}
			for i, c := range crews {
				if c.Name != tt.want[i] || c.Variant != crew.VariantSequential || c.Nodes != 2 {
					t.Errorf("crews[%d] = %+v, want sequential %s with 2 nodes", i, c, tt.want[i])
				}
			}
		})
	}
}

func TestCrew_Graph(t *testing.T) {
	s := newTestServer(t)

	got, err := s.call(t, scopedContext(auth.ScopeAdmin), "crew", map[string]any{"action": "graph", "name": "alpha"})
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	desc := got.(crew.Description)
	if desc.Variant != crew.VariantSequential || len(desc.Units) != 2 || desc.Entry == "" {
		t.Errorf("graph = %+v, want sequential with 2 units", desc)
	}

	if _, err := s.call(t, scopedContext(auth.ScopeCrew("beta")), "crew", map[string]any{"action": "graph", "name": "alpha"}); err == nil {
		t.Error("graph of another crew: error = nil")
	}
	if _, err := s.call(t, scopedContext(auth.ScopeAdmin), "crew", map[string]any{"action": "graph"}); err == nil {
		t.Error("graph without name: error = nil")
	}
}

func TestCrew_Validate(t *testing.T) {
	s := newTestServer(t)
	ctx := scopedContext(auth.ScopeAdmin)

	tests := []struct {
		name      string
		args      map[string]any
		wantValid bool
	}{
		{"registered crew", map[string]any{"action": "validate", "name": "alpha"}, true},
		{"valid source", map[string]any{"action": "validate", "source": `agent "greeter" { script = "function run(ctx) return 'hi' end" }`}, true},
		{"broken source", map[string]any{"action": "validate", "source": `agent "greeter" {`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.call(t, ctx, "crew", tt.args)
			if err != nil {
				t.Fatalf("validate error = %v", err)
			}
			result := got.(ValidateResult)
			if result.Valid != tt.wantValid {
				t.Errorf("validate = %+v, want valid %v", result, tt.wantValid)
			}
			if !result.Valid && result.Error == "" {
				t.Error("invalid result carries no error")
			}
		})
	}

	if _, err := s.call(t, ctx, "crew", map[string]any{"action": "validate"}); err == nil {
		t.Error("validate without name or source: error = nil")
	}
	if _, err := s.call(t, ctx, "crew", map[string]any{"action": "validate", "name": "ghost"}); err == nil {
		t.Error("validate unknown crew: error = nil")
	}
}

func TestCrew_ReloadRequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	if _, err := s.call(t, scopedContext(auth.ScopeAdminRO), "crew", map[string]any{"action": "reload"}); err == nil {
		t.Error("reload with admin:ro: error = nil")
	}
	// The catalog has no directory, so reload keeps the added crews.
	got, err := s.call(t, scopedContext(auth.ScopeAdmin), "crew", map[string]any{"action": "reload"})
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if n := got.(map[string]any)["count"]; n != 2 {
		t.Errorf("count after reload = %v, want 2", n)
	}
}
