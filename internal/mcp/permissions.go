package mcp

import "github.com/HyphaGroup/crewflow/internal/auth"

// ToolTarget is what a tool operates on.
type ToolTarget string

const (
	// TargetGlobal tools act on the whole server (tokens, crew catalog).
	TargetGlobal ToolTarget = "global"
	// TargetCrew tools act on one crew's sessions or memory.
	TargetCrew ToolTarget = "crew"
)

// ToolAccess is the least privilege a tool requires.
type ToolAccess string

const (
	AccessRead  ToolAccess = "read"
	AccessWrite ToolAccess = "write"
	AccessAdmin ToolAccess = "admin"
)

// IsToolAllowed checks if a tool may be listed and called with tokenScope.
// Crew-targeted tools accept crew scopes; the crew named by the call is
// checked by the handler.
func IsToolAllowed(tool *ToolDef, tokenScope string) bool {
	if tool == nil {
		return false
	}
	isAdmin := tokenScope == auth.ScopeAdmin
	isAdminRO := tokenScope == auth.ScopeAdminRO
	isCrewScope := auth.IsCrewScope(tokenScope)

	// Admin-only tools (token management) require full admin
	if tool.Access == AccessAdmin {
		return isAdmin
	}
	if tool.Access == AccessWrite && auth.IsReadOnlyScope(tokenScope) {
		return false
	}

	switch tool.Target {
	case TargetGlobal:
		if isAdmin || isAdminRO {
			return true
		}
		// Crew scopes see global read tools only
		return isCrewScope && tool.Access == AccessRead
	case TargetCrew:
		return isAdmin || isAdminRO || isCrewScope
	}
	return false
}
