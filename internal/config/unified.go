package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// FileName is the configuration file looked up by FindConfigPath.
const FileName = "crewflow.jsonc"

// Config is the single configuration file format for crewflow.jsonc
type Config struct {
	Server   ServerSection   `json:"server"`
	Sessions SessionsSection `json:"sessions"`
	Storage  StorageSection  `json:"storage"`
	Cleanup  CleanupSection  `json:"cleanup"`
	Backup   BackupSection   `json:"backup"`
	Logging  LoggingSection  `json:"logging"`
	Crews    CrewsSection    `json:"crews"`

	// Path is the file the configuration was read from, if any.
	Path string `json:"-"`
}

// ServerSection contains server configuration
type ServerSection struct {
	Address   string          `json:"address"`
	Tokens    []StaticToken   `json:"tokens"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// StaticToken is an API token declared in the config file. It is seeded
// into the token store at startup.
type StaticToken struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

// RateLimitConfig bounds requests per token on /mcp
type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// SessionsSection contains streaming session limits
type SessionsSection struct {
	QueueSize       int      `json:"queue_size"`
	EventBufferSize int      `json:"event_buffer_size"`
	MaxActive       int      `json:"max_active"`
	IdleTimeout     Duration `json:"idle_timeout"`
}

// StorageSection selects persistence backends
type StorageSection struct {
	DataDir     string `json:"data_dir"`
	Checkpoints string `json:"checkpoints"` // memory, sqlite
	Store       string `json:"store"`       // memory, sqlite
}

// CleanupSection configures the maintenance job
type CleanupSection struct {
	Schedule            string   `json:"schedule"` // cron expression
	CheckpointRetention Duration `json:"checkpoint_retention"`
	KeepPerThread       int      `json:"keep_per_thread"`
}

// BackupSection configures data directory snapshots. Dir defaults to
// <data_dir>/backups. An interval of zero disables periodic backups.
type BackupSection struct {
	Dir       string   `json:"dir"`
	Interval  Duration `json:"interval"`
	Retention int      `json:"retention"`
}

// LoggingSection configures the logger
type LoggingSection struct {
	Dir   string `json:"dir"`
	JSON  bool   `json:"json"`
	Level string `json:"level"`
}

// CrewsSection points at crew definition files
type CrewsSection struct {
	Dir string `json:"dir"`
}

// Backends accepted by StorageSection.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30m\": %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FindConfigPath returns the path to crewflow.jsonc using precedence:
// 1. configDir + /crewflow.jsonc (if configDir specified)
// 2. ./config/crewflow.jsonc (project-local)
// 3. ./crewflow.jsonc
// 4. ~/.crewflow/crewflow.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", FileName, configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", FileName),
		FileName,
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".crewflow", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("%s not found; tried: %v", FileName, candidates)
}

// Load reads configuration from a single crewflow.jsonc file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg.Path = configPath

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.RateLimit.RPS == 0 {
		cfg.Server.RateLimit.RPS = 10
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 20
	}

	if cfg.Sessions.QueueSize == 0 {
		cfg.Sessions.QueueSize = 64
	}
	if cfg.Sessions.EventBufferSize == 0 {
		cfg.Sessions.EventBufferSize = 1000
	}
	if cfg.Sessions.MaxActive == 0 {
		cfg.Sessions.MaxActive = 10
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = Duration(30 * time.Minute)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Checkpoints == "" {
		cfg.Storage.Checkpoints = BackendSQLite
	}
	if cfg.Storage.Store == "" {
		cfg.Storage.Store = BackendSQLite
	}

	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = "@every 1h"
	}
	if cfg.Cleanup.CheckpointRetention == 0 {
		cfg.Cleanup.CheckpointRetention = Duration(7 * 24 * time.Hour)
	}
	if cfg.Cleanup.KeepPerThread == 0 {
		cfg.Cleanup.KeepPerThread = 5
	}

	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}

	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Crews.Dir == "" {
		cfg.Crews.Dir = "crews"
	}
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	var errs []error
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	for i, tok := range c.Server.Tokens {
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("server.tokens[%d]: token is required", i))
		}
	}
	if c.Sessions.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("sessions.queue_size must be at least 1, got %d", c.Sessions.QueueSize))
	}
	if c.Sessions.EventBufferSize < 1 {
		errs = append(errs, fmt.Errorf("sessions.event_buffer_size must be at least 1, got %d", c.Sessions.EventBufferSize))
	}
	if c.Sessions.MaxActive < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_active must be at least 1, got %d", c.Sessions.MaxActive))
	}
	if c.Sessions.IdleTimeout < 0 {
		errs = append(errs, errors.New("sessions.idle_timeout must not be negative"))
	}
	for name, backend := range map[string]string{
		"storage.checkpoints": c.Storage.Checkpoints,
		"storage.store":       c.Storage.Store,
	} {
		if backend != BackendMemory && backend != BackendSQLite {
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", name, BackendMemory, BackendSQLite, backend))
		}
	}
	if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("cleanup.schedule: %w", err))
	}
	if c.Cleanup.KeepPerThread < 0 {
		errs = append(errs, errors.New("cleanup.keep_per_thread must not be negative"))
	}
	if c.Backup.Interval < 0 || c.Backup.Retention < 0 {
		errs = append(errs, errors.New("backup values must not be negative"))
	}
	return errors.Join(errs...)
}
