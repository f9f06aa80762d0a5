package state

import "testing"

func TestApply(t *testing.T) {
	s := New("thread-1", "sess-1")
	s.Apply(Update{
		Messages:       []Message{{ID: "1", Role: RoleUser}},
		TaskOutputs:    []TaskOutput{{Task: "research", Output: "done"}},
		Metadata:       map[string]any{"k": "v"},
		BackboneCursor: Int(2),
	})

	if len(s.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(s.Messages))
	}
	if out, ok := s.Output("research"); !ok || out.Output != "done" {
		t.Errorf("Output(research) = %+v, %v", out, ok)
	}
	if s.Metadata["k"] != "v" {
		t.Errorf("metadata = %v", s.Metadata)
	}
	if s.BackboneCursor != 2 {
		t.Errorf("cursor = %d, want 2", s.BackboneCursor)
	}
	if !s.Continue {
		t.Errorf("Continue = false, want unchanged true")
	}

	s.Apply(Update{Continue: Bool(false), Metadata: map[string]any{"k": nil}})
	if s.Continue {
		t.Errorf("Continue = true, want false")
	}
	if _, ok := s.Metadata["k"]; ok {
		t.Errorf("metadata key k not deleted")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("t", "s")
	s.Apply(Update{Messages: []Message{{ID: "1"}}, Metadata: map[string]any{"a": 1}})

	c := s.Clone()
	c.Apply(Update{Messages: []Message{{ID: "2"}}, Metadata: map[string]any{"b": 2}})

	if len(s.Messages) != 1 {
		t.Errorf("original messages = %d, want 1", len(s.Messages))
	}
	if _, ok := s.Metadata["b"]; ok {
		t.Errorf("original metadata changed: %v", s.Metadata)
	}
}

func TestCommand(t *testing.T) {
	if Continue(Update{}).IsDirective() {
		t.Errorf("Continue() is a directive")
	}
	cmd := RouteTo("agent__b", Update{})
	if !cmd.IsDirective() || cmd.Goto != "agent__b" {
		t.Errorf("RouteTo() = %+v", cmd)
	}
}
