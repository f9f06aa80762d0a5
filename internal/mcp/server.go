package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/crewfile"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/metrics"
	"github.com/HyphaGroup/crewflow/internal/schedule"
	"github.com/HyphaGroup/crewflow/internal/session"
	"github.com/HyphaGroup/crewflow/internal/store"
)

const (
	serverName          = "crewflow"
	defaultWaitTimeout  = 2 * time.Minute
	shutdownGracePeriod = 10 * time.Second
)

// Server wraps the MCP server with the session manager, crew catalog and
// memory store it exposes.
type Server struct {
	sessions  *session.Manager
	catalog   *crewfile.Catalog
	memory    store.Store
	authStore *auth.Store
	limiter   *auth.RateLimiter
	schedules *schedule.Store
	runner    *schedule.Runner
	registry  *Registry
	version   string

	// One MCP server per token scope, each listing only the tools that
	// scope may call.
	mu      sync.Mutex
	servers map[string]*mcp.Server
}

// ServerConfig holds the dependencies of a Server
type ServerConfig struct {
	Sessions  *session.Manager
	Catalog   *crewfile.Catalog
	Memory    store.Store
	AuthStore *auth.Store
	// Limiter defaults to auth.DefaultRateLimiter.
	Limiter *auth.RateLimiter
	// Schedules enables the schedule tool and its cron runner.
	Schedules *schedule.Store
	Version   string
}

// NewServer creates a new MCP server instance
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil || cfg.Catalog == nil {
		return nil, errors.New("session manager and crew catalog are required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = auth.DefaultRateLimiter()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		sessions:  cfg.Sessions,
		catalog:   cfg.Catalog,
		memory:    cfg.Memory,
		authStore: cfg.AuthStore,
		limiter:   cfg.Limiter,
		schedules: cfg.Schedules,
		registry:  NewRegistry(),
		version:   cfg.Version,
		servers:   make(map[string]*mcp.Server),
	}
	if s.schedules != nil {
		s.runner = schedule.NewRunner(s.schedules, s.executeSchedule)
	}
	s.registerAllTools(s.registry)
	return s, nil
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// serverFor returns the MCP server that lists the tools of r's token scope.
func (s *Server) serverFor(r *http.Request) *mcp.Server {
	scope := ""
	if a := auth.FromContext(r.Context()); a != nil && a.Token != nil {
		scope = a.Token.Scope
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.servers[scope]; ok {
		return srv
	}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: s.version,
	}, nil)
	s.registry.RegisterWithMCPServer(srv, scope)
	s.servers[scope] = srv
	return srv
}

// Handler returns the HTTP handler serving health, metrics and MCP
// endpoints.
func (s *Server) Handler() http.Handler {
	// Enable EventStore for SSE stream resumption support
	mcpHandler := mcp.NewStreamableHTTPHandler(s.serverFor, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		r = r.WithContext(ctx)

		logger.Debug("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	// Rate limiting runs after auth so limits apply per token.
	rateLimited := auth.RateLimitMiddleware(s.limiter)(loggingHandler)
	var protected http.Handler = rateLimited
	if s.authStore != nil {
		protected = auth.Middleware(s.authStore)(rateLimited)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.HandleFunc("/ready", s.handleReadinessCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(protected))
	mux.Handle("/mcp/", metrics.Middleware(protected))
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.runner != nil {
		s.runner.Start()
		defer s.runner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crewflow MCP server listening on %s", addr)
		logger.Info("Health check: http://localhost%s/health", addr)
		logger.Info("Metrics: http://localhost%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down MCP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the server can serve requests
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.catalog.Len() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"no crews loaded"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
