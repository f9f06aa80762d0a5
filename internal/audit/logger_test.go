package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/HyphaGroup/crewflow/internal/auth"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("audit line is not JSON: %v (%q)", err, buf.String())
	}
	return rec
}

func TestLogger_Record(t *testing.T) {
	caller := &auth.AuthContext{Type: auth.AuthTypeToken, Token: &auth.Token{ID: "cfw_1234567890abcdef", Scope: "crew:alpha"}}

	tests := []struct {
		name        string
		err         error
		wantSuccess bool
	}{
		{"success", nil, true},
		{"failure", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(&buf, true).Record(OpSessionStop, caller, "alpha", "sess_1", tt.err)

			rec := decode(t, &buf)
			if rec["operation"] != string(OpSessionStop) {
				t.Errorf("operation = %v, want %v", rec["operation"], OpSessionStop)
			}
			if rec["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v", rec["success"], tt.wantSuccess)
			}
			if rec["crew"] != "alpha" || rec["session_id"] != "sess_1" {
				t.Errorf("crew/session = %v/%v", rec["crew"], rec["session_id"])
			}
			if id, _ := rec["token_id"].(string); strings.Contains(id, "90abcd") {
				t.Errorf("token_id %q is not masked", id)
			}
			if !tt.wantSuccess && rec["error"] != "boom" {
				t.Errorf("error = %v, want boom", rec["error"])
			}
		})
	}
}

func TestLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Record(OpMemoryPut, nil, "alpha", "", nil)
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	l.SetEnabled(true)
	l.Log(&Event{Operation: OpTokenCreate, Success: true, Details: map[string]any{"name": "ci"}})
	rec := decode(t, &buf)
	if rec["details"] != `{"name":"ci"}` {
		t.Errorf("details = %v", rec["details"])
	}
}
