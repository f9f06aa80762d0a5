package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/audit"
	"github.com/HyphaGroup/crewflow/internal/auth"
)

var tokenActions = []string{"create", "list", "revoke"}

// TokenParams are the arguments of the token tool.
type TokenParams struct {
	Action         string `json:"action" jsonschema:"one of create, list, revoke"`
	Name           string `json:"name,omitempty" jsonschema:"token name for create"`
	Scope          string `json:"scope,omitempty" jsonschema:"admin, admin:ro, crew:<name> or crew:<name>:ro"`
	ExpiresInHours int    `json:"expires_in_hours,omitempty" jsonschema:"token lifetime; omit for no expiry"`
	TokenID        string `json:"token_id,omitempty" jsonschema:"token to revoke"`
}

// TokenView is a token as listed, with its id masked.
type TokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleToken(ctx context.Context, req *mcp.CallToolRequest, params TokenParams) (*mcp.CallToolResult, any, error) {
	authCtx, err := requireAdmin(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s.authStore == nil {
		return nil, nil, fmt.Errorf("token store is not configured")
	}

	switch params.Action {
	case "":
		return nil, nil, missingActionError("token", tokenActions)
	case "create":
		return s.tokenCreate(authCtx, params)
	case "list":
		return s.tokenList()
	case "revoke":
		return s.tokenRevoke(authCtx, params)
	default:
		return nil, nil, actionError("token", params.Action, tokenActions)
	}
}

func (s *Server) tokenCreate(authCtx *auth.AuthContext, params TokenParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if params.Scope == "" {
		return nil, nil, fmt.Errorf("scope is required")
	}
	if !auth.ValidScope(params.Scope) {
		return nil, nil, fmt.Errorf("invalid scope '%s'. Valid scopes: admin, admin:ro, crew:<name>, crew:<name>:ro", params.Scope)
	}

	var expiresAt *time.Time
	if params.ExpiresInHours > 0 {
		t := time.Now().Add(time.Duration(params.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	token, tokenID, err := s.authStore.CreateToken(params.Name, params.Scope, expiresAt)
	audit.Record(audit.OpTokenCreate, authCtx, auth.ExtractCrew(params.Scope), "", err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token: %w", err)
	}

	result := "Token created successfully.\n\n"
	result += fmt.Sprintf("Token ID: %s\n", tokenID)
	result += fmt.Sprintf("Name:     %s\n", token.Name)
	result += fmt.Sprintf("Scope:    %s\n", token.Scope)
	if token.ExpiresAt != nil {
		result += fmt.Sprintf("Expires:  %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
	result += "\nIMPORTANT: Save this token now. It cannot be retrieved later."
	return NewTextResult(result), nil, nil
}

func (s *Server) tokenList() (*mcp.CallToolResult, any, error) {
	tokens, err := s.authStore.ListTokens()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	views := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, TokenView{
			ID:         auth.MaskToken(t.ID),
			Name:       t.Name,
			Scope:      t.Scope,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.LastUsedAt,
			ExpiresAt:  t.ExpiresAt,
		})
	}
	return nil, map[string]any{"tokens": views, "count": len(views)}, nil
}

func (s *Server) tokenRevoke(authCtx *auth.AuthContext, params TokenParams) (*mcp.CallToolResult, any, error) {
	if params.TokenID == "" {
		return nil, nil, fmt.Errorf("token_id is required")
	}
	if authCtx.Token != nil && authCtx.Token.ID == params.TokenID {
		return nil, nil, fmt.Errorf("cannot revoke the token making this request")
	}

	err := s.authStore.RevokeToken(params.TokenID)
	audit.Record(audit.OpTokenRevoke, authCtx, "", "", err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	return NewTextResult(fmt.Sprintf("Token %s revoked successfully.", auth.MaskToken(params.TokenID))), nil, nil
}
