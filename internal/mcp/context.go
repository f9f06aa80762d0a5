package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/HyphaGroup/crewflow/internal/logger"
)

type contextKey string

const contextKeyRemoteAddr contextKey = "crewflow-remote-addr"

// RequestIDHeader carries the request id in and out of /mcp.
const RequestIDHeader = "X-Request-ID"

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// GetRemoteAddr extracts the remote address from context
func GetRemoteAddr(ctx context.Context) string {
	return stringFromContext(ctx, contextKeyRemoteAddr)
}

// GetRequestID returns the request id set by the HTTP middleware.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
