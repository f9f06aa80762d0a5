package auth

import (
	"strings"
	"time"
)

// Token represents an API token for the control surface
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants
const (
	ScopeAdmin   = "admin"
	ScopeAdminRO = "admin:ro"

	crewScopePrefix = "crew:"
	readOnlySuffix  = ":ro"
)

// ScopeCrew returns a scope limited to one crew
func ScopeCrew(crewName string) string {
	return crewScopePrefix + crewName
}

// ScopeCrewRO returns a read-only scope limited to one crew
func ScopeCrewRO(crewName string) string {
	return crewScopePrefix + crewName + readOnlySuffix
}

// IsAdminScope returns true if scope is admin or admin:ro
func IsAdminScope(scope string) bool {
	return scope == ScopeAdmin || scope == ScopeAdminRO
}

// IsCrewScope returns true if scope is crew:<name> or crew:<name>:ro
func IsCrewScope(scope string) bool {
	return strings.HasPrefix(scope, crewScopePrefix) && ExtractCrew(scope) != ""
}

// IsReadOnlyScope returns true for admin:ro and crew:*:ro
func IsReadOnlyScope(scope string) bool {
	return strings.HasSuffix(scope, readOnlySuffix)
}

// ValidScope reports whether scope is one of the recognised forms.
func ValidScope(scope string) bool {
	return IsAdminScope(scope) || IsCrewScope(scope)
}

// ExtractCrew returns the crew of a crew scope, or "" for other scopes
func ExtractCrew(scope string) string {
	if !strings.HasPrefix(scope, crewScopePrefix) {
		return ""
	}
	return strings.TrimSuffix(scope[len(crewScopePrefix):], readOnlySuffix)
}

// AuthType represents the type of authentication used
type AuthType int

const (
	AuthTypeToken AuthType = iota
)

// AuthContext holds authentication information for a request
type AuthContext struct {
	Type  AuthType
	Token *Token
}

// CanAccessCrew checks if the auth context allows access to a crew's
// sessions and memory
func (a *AuthContext) CanAccessCrew(crewName string) bool {
	if a == nil || a.Token == nil {
		return false
	}
	if IsAdminScope(a.Token.Scope) {
		return true
	}
	return IsCrewScope(a.Token.Scope) && ExtractCrew(a.Token.Scope) == crewName
}

// CanWrite checks if the auth context allows write operations
func (a *AuthContext) CanWrite() bool {
	if a == nil || a.Token == nil {
		return false
	}
	return !IsReadOnlyScope(a.Token.Scope)
}

// IsAdmin checks if the auth context has full admin scope
func (a *AuthContext) IsAdmin() bool {
	if a == nil || a.Type != AuthTypeToken || a.Token == nil {
		return false
	}
	return a.Token.Scope == ScopeAdmin
}
