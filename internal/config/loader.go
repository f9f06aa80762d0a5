package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvAddress  = "CREWFLOW_ADDRESS"
	EnvDataDir  = "CREWFLOW_DATA_DIR"
	EnvLogLevel = "CREWFLOW_LOG_LEVEL"
	EnvLogJSON  = "CREWFLOW_LOG_JSON"
	EnvCrewsDir = "CREWFLOW_CREWS_DIR"
)

// LoadAll loads .env, then crewflow.jsonc when one is found, then applies
// CREWFLOW_* overrides and validates the result. A missing config file is
// not an error unless configDir names one explicitly.
func LoadAll(configDir string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg *Config
	path, err := FindConfigPath(configDir)
	switch {
	case err == nil:
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	case configDir != "":
		return nil, err
	default:
		cfg = Default()
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv reads a .env file into the environment without overriding
// variables that are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from CREWFLOW_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAddress); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvCrewsDir); v != "" {
		cfg.Crews.Dir = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogJSON, err)
		}
		cfg.Logging.JSON = b
	}
	return nil
}
