package state

import (
	"reflect"
	"testing"
)

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAddMessages(t *testing.T) {
	base := []Message{
		{ID: "1", Role: RoleUser, Content: "hi"},
		{ID: "2", Role: RoleAssistant, Content: "hello"},
	}

	tests := []struct {
		name     string
		incoming []Message
		wantIDs  []string
	}{
		{"append", []Message{{ID: "3", Role: RoleUser}}, []string{"1", "2", "3"}},
		{"replace keeps position", []Message{{ID: "1", Role: RoleUser, Content: "edited"}}, []string{"1", "2"}},
		{"remove", []Message{RemoveMessage("1")}, []string{"2"}},
		{"remove unknown is ignored", []Message{RemoveMessage("404")}, []string{"1", "2"}},
		{"remove then re-add", []Message{RemoveMessage("2"), {ID: "2", Role: RoleAssistant}}, []string{"1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddMessages(base, tt.incoming)
			if !reflect.DeepEqual(ids(got), tt.wantIDs) {
				t.Errorf("AddMessages() ids = %v, want %v", ids(got), tt.wantIDs)
			}
		})
	}

	if len(base) != 2 || base[0].Content != "hi" {
		t.Errorf("AddMessages modified its input: %+v", base)
	}
}

func TestAddMessagesAssignsIDs(t *testing.T) {
	got := AddMessages(nil, []Message{{Role: RoleUser, Content: "a"}, {Role: RoleUser, Content: "b"}})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID == "" || got[1].ID == "" || got[0].ID == got[1].ID {
		t.Errorf("ids = %q, %q, want two distinct non-empty ids", got[0].ID, got[1].ID)
	}
}

func TestSynchronize(t *testing.T) {
	pre := []Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	result := []Message{{ID: "c"}, {ID: "d"}}

	got := Synchronize(pre, result)

	want := []Message{RemoveMessage("a"), RemoveMessage("b"), {ID: "c"}, {ID: "d"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Synchronize() = %+v, want %+v", got, want)
	}

	merged := AddMessages(pre, got)
	if !reflect.DeepEqual(ids(merged), []string{"c", "d"}) {
		t.Errorf("merged ids = %v, want [c d]", ids(merged))
	}
}

func TestSynchronizeIdempotent(t *testing.T) {
	cases := []struct {
		name   string
		pre    []Message
		result []Message
	}{
		{"nothing dropped", []Message{{ID: "a"}}, []Message{{ID: "a"}, {ID: "b"}}},
		{"all dropped", []Message{{ID: "a"}, {ID: "b"}}, nil},
		{"some dropped", []Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}, []Message{{ID: "b"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once := Synchronize(tc.pre, tc.result)
			twice := Synchronize(tc.pre, once)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("sync(sync(pre, r)) = %+v, want %+v", twice, once)
			}
		})
	}
}

func TestReconcileToolCalls(t *testing.T) {
	msgs := []Message{
		{ID: "u", Role: RoleUser},
		{ID: "a", Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "search"}, {ID: "t2", Name: "lookup"}}},
		{ID: "r1", Role: RoleTool, ToolCallID: "t1"},
		{ID: "u2", Role: RoleUser},
	}

	if got := PendingToolCalls(msgs); len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("PendingToolCalls() = %+v, want [t2]", got)
	}

	got := ReconcileToolCalls(msgs)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	synthetic := got[3]
	if synthetic.Role != RoleTool || synthetic.ToolCallID != "t2" || synthetic.Content != CancelledToolResult {
		t.Errorf("synthetic = %+v, want cancelled result for t2", synthetic)
	}
	if synthetic.Metadata[MetaSynthetic] != true {
		t.Errorf("synthetic metadata = %v, want synthetic=true", synthetic.Metadata)
	}
	if got[4].ID != "u2" {
		t.Errorf("last message = %q, want u2", got[4].ID)
	}
	if len(PendingToolCalls(got)) != 0 {
		t.Errorf("pending after reconcile = %v, want none", PendingToolCalls(got))
	}
	if len(ReconcileToolCalls(got)) != len(got) {
		t.Errorf("reconciling twice added messages")
	}
}

func TestHandoffTarget(t *testing.T) {
	m := ToolMessage("t1", "transfer_to_billing", "ok")
	if m.HandoffTarget() != "" {
		t.Errorf("HandoffTarget() = %q, want empty", m.HandoffTarget())
	}
	m.Metadata = map[string]any{MetaHandoffTo: "agent__billing"}
	if m.HandoffTarget() != "agent__billing" {
		t.Errorf("HandoffTarget() = %q, want agent__billing", m.HandoffTarget())
	}
}
