package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/backup"
	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/cleanup"
	"github.com/HyphaGroup/crewflow/internal/config"
	"github.com/HyphaGroup/crewflow/internal/crewfile"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/mcp"
	"github.com/HyphaGroup/crewflow/internal/schedule"
	"github.com/HyphaGroup/crewflow/internal/session"
	"github.com/HyphaGroup/crewflow/internal/store"
)

func newServeCommand() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crew catalog over MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll(configDir)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "directory containing crewflow.jsonc")
	return cmd
}

// backends are the persistence layers chosen by the storage section.
type backends struct {
	checkpoints checkpoint.Saver
	memory      store.Store
	closers     []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(cfg config.StorageSection) (*backends, error) {
	b := &backends{}
	switch cfg.Checkpoints {
	case config.BackendSQLite:
		saver, err := checkpoint.NewSQLiteSaver(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		b.checkpoints = saver
		b.closers = append(b.closers, saver)
	default:
		b.checkpoints = checkpoint.NewMemorySaver()
	}

	switch cfg.Store {
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
		b.memory = st
		b.closers = append(b.closers, st)
	default:
		b.memory = store.NewMemoryStore()
	}
	return b, nil
}

// seedTokens imports the tokens declared in the config file.
func seedTokens(authStore *auth.Store, tokens []config.StaticToken) error {
	for _, t := range tokens {
		if _, err := authStore.ImportToken(t.Token, t.Name, t.Scope); err != nil {
			return fmt.Errorf("config token %q: %w", t.Name, err)
		}
	}
	return nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging.Dir, cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("crewflow %s starting", Version)
	if cfg.Path != "" {
		logger.Info("Config: %s", cfg.Path)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	authStore, err := auth.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize auth store: %w", err)
	}
	defer func() { _ = authStore.Close() }()
	if err := seedTokens(authStore, cfg.Server.Tokens); err != nil {
		return err
	}
	logger.Info("Auth database: %s/auth.db (%d config tokens)", cfg.Storage.DataDir, len(cfg.Server.Tokens))

	b, err := openBackends(cfg.Storage)
	if err != nil {
		return err
	}
	defer b.Close()
	logger.Info("Checkpoints: %s, memory store: %s", cfg.Storage.Checkpoints, cfg.Storage.Store)

	catalog, err := crewfile.NewCatalog(crewfile.CatalogConfig{
		Dir:          cfg.Crews.Dir,
		Options:      crewfile.Options{Handlers: builtinHandlers()},
		Checkpointer: b.checkpoints,
		Store:        b.memory,
		Logger:       logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("failed to load crews: %w", err)
	}
	logger.Info("Loaded %d crew(s) from %s", catalog.Len(), cfg.Crews.Dir)
	if catalog.Len() == 0 {
		logger.Warn("No crews loaded; /ready reports not ready until crews are added")
	}

	sessions, err := session.NewManager(catalog.Resolve, session.ManagerConfig{
		MaxSessions: cfg.Sessions.MaxActive,
		IdleTimeout: cfg.Sessions.IdleTimeout.Std(),
		QueueSize:   cfg.Sessions.QueueSize,
		BufferSize:  cfg.Sessions.EventBufferSize,
		DataDir:     cfg.Storage.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	schedules, err := schedule.NewStore(cfg.Storage.DataDir)
	if err != nil {
		sessions.Close()
		return fmt.Errorf("failed to initialize schedule store: %w", err)
	}
	defer func() { _ = schedules.Close() }()

	limiter := auth.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	server, err := mcp.NewServer(mcp.ServerConfig{
		Sessions:  sessions,
		Catalog:   catalog,
		Memory:    b.memory,
		AuthStore: authStore,
		Limiter:   limiter,
		Schedules: schedules,
		Version:   Version,
	})
	if err != nil {
		sessions.Close()
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	cleaner, err := cleanup.New(cleanup.Config{
		Schedule:            cfg.Cleanup.Schedule,
		CheckpointRetention: cfg.Cleanup.CheckpointRetention.Std(),
		KeepPerThread:       cfg.Cleanup.KeepPerThread,
		DataDir:             cfg.Storage.DataDir,
		Checkpoints:         b.checkpoints,
		Sessions:            sessions,
		Limiters:            limiter,
		Executions:          schedules,
	})
	if err != nil {
		sessions.Close()
		return err
	}

	backups, err := backup.New(backup.Config{
		DataDir:   cfg.Storage.DataDir,
		BackupDir: cfg.Backup.Dir,
		Retention: cfg.Backup.Retention,
		Interval:  cfg.Backup.Interval.Std(),
	})
	if err != nil {
		sessions.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.Server.Address)
	})
	g.Go(func() error {
		if err := cleaner.Start(); err != nil {
			return err
		}
		backups.Start()
		<-gctx.Done()
		logger.Info("Stopping cleanup...")
		cleaner.Stop()
		backups.Stop()
		return nil
	})

	err = g.Wait()

	logger.Info("Closing active sessions...")
	sessions.Close()
	if err != nil {
		logger.Error("Server error: %v", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
