package mcp

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/crewflow/internal/auth"
)

// requireAuth extracts auth context and returns error if missing
func requireAuth(ctx context.Context) (*auth.AuthContext, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, fmt.Errorf("authentication required")
	}
	return authCtx, nil
}

// requireCrewAccess checks if auth context can access the given crew
func requireCrewAccess(ctx context.Context, crewName string) (*auth.AuthContext, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !authCtx.CanAccessCrew(crewName) {
		return nil, fmt.Errorf("not authorized to access crew %s", crewName)
	}
	return authCtx, nil
}

// requireCrewWrite checks crew access and write permission together
func requireCrewWrite(ctx context.Context, crewName string) (*auth.AuthContext, error) {
	authCtx, err := requireCrewAccess(ctx, crewName)
	if err != nil {
		return nil, err
	}
	if !authCtx.CanWrite() {
		return nil, fmt.Errorf("read-only access, write operations not permitted")
	}
	return authCtx, nil
}

// requireAdmin checks if auth context has admin scope
func requireAdmin(ctx context.Context) (*auth.AuthContext, error) {
	authCtx, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !authCtx.IsAdmin() {
		return nil, fmt.Errorf("admin access required")
	}
	return authCtx, nil
}
