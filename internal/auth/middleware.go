package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HyphaGroup/crewflow/internal/logger"
)

type authContextKey struct{}

// WithContext attaches the caller's AuthContext to ctx.
func WithContext(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, a)
}

// FromContext returns the AuthContext set by Middleware, or nil.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return a
}

// Validator resolves bearer tokens. *Store implements it.
type Validator interface {
	ValidateToken(tokenID string) (*Token, error)
}

// Middleware creates HTTP middleware for bearer token authentication
func Middleware(tokens Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if !strings.HasPrefix(header, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			tokenID := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			token, err := tokens.ValidateToken(tokenID)
			if err != nil {
				logger.Info("Token validation failed for %s: %v", MaskToken(tokenID), err)
				jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			authContext := &AuthContext{
				Type:  AuthTypeToken,
				Token: token,
			}
			logger.Debug("Authenticated with token: %s (scope: %s)", MaskToken(tokenID), token.Scope)

			ctx := WithContext(r.Context(), authContext)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSONRPCError(w, status, -32001, message)
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": nil,
	})
}
