package auth

import (
	"testing"
)

func tokenCtx(scope string) *AuthContext {
	return &AuthContext{Type: AuthTypeToken, Token: &Token{Scope: scope}}
}

func TestAuthContext_CanAccessCrew(t *testing.T) {
	tests := []struct {
		name    string
		authCtx *AuthContext
		crew    string
		want    bool
	}{
		{"nil context", nil, "alpha", false},
		{"nil token", &AuthContext{Type: AuthTypeToken}, "alpha", false},
		{"admin scope can access any crew", tokenCtx(ScopeAdmin), "alpha", true},
		{"admin:ro scope can access any crew", tokenCtx(ScopeAdminRO), "alpha", true},
		{"crew scope can access matching crew", tokenCtx("crew:alpha"), "alpha", true},
		{"read-only crew scope can access matching crew", tokenCtx("crew:alpha:ro"), "alpha", true},
		{"crew scope cannot access different crew", tokenCtx("crew:alpha"), "beta", false},
		{"unknown scope", tokenCtx("project:alpha"), "alpha", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.authCtx.CanAccessCrew(tt.crew); got != tt.want {
				t.Errorf("CanAccessCrew() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthContext_CanWrite(t *testing.T) {
	tests := []struct {
		name    string
		authCtx *AuthContext
		want    bool
	}{
		{"nil token", &AuthContext{Type: AuthTypeToken}, false},
		{"admin scope can write", tokenCtx(ScopeAdmin), true},
		{"admin:ro scope cannot write", tokenCtx(ScopeAdminRO), false},
		{"crew scope can write", tokenCtx(ScopeCrew("alpha")), true},
		{"crew:ro scope cannot write", tokenCtx(ScopeCrewRO("alpha")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.authCtx.CanWrite(); got != tt.want {
				t.Errorf("CanWrite() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		name    string
		authCtx *AuthContext
		want    bool
	}{
		{"admin", tokenCtx(ScopeAdmin), true},
		{"admin:ro", tokenCtx(ScopeAdminRO), false},
		{"crew", tokenCtx("crew:alpha"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.authCtx.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopes(t *testing.T) {
	tests := []struct {
		scope    string
		valid    bool
		crew     string
		readOnly bool
	}{
		{"admin", true, "", false},
		{"admin:ro", true, "", true},
		{"crew:alpha", true, "alpha", false},
		{"crew:alpha:ro", true, "alpha", true},
		{"crew:", false, "", false},
		{"crew::ro", false, "", true},
		{"root", false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := ValidScope(tt.scope); got != tt.valid {
				t.Errorf("ValidScope() = %v, want %v", got, tt.valid)
			}
			if got := ExtractCrew(tt.scope); got != tt.crew {
				t.Errorf("ExtractCrew() = %q, want %q", got, tt.crew)
			}
			if got := IsReadOnlyScope(tt.scope); got != tt.readOnly {
				t.Errorf("IsReadOnlyScope() = %v, want %v", got, tt.readOnly)
			}
		})
	}
}
