// Package config loads the marlin YAML configuration and applies environment
// variable overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marlin toolkit.
type Config struct {
	Storage Storage     `yaml:"storage"`
	Batch   BatchConfig `yaml:"batch"`
	Server  Server      `yaml:"server"`
	Alpaca  Alpaca      `yaml:"alpaca"`
	Logging Logging     `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	BatchDir    string `yaml:"batch_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	RunsPath    string `yaml:"runs_path"`
}

// BatchConfig controls batch execution behaviour.
type BatchConfig struct {
	MaxWorkers          int     `yaml:"max_workers"`
	MaxRetryAttempts    int     `yaml:"max_retry_attempts"`
	RetryBackoffSeconds float64 `yaml:"retry_backoff_seconds"`
}

// Server holds network listener configuration for the status API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with sensible defaults for a local
// installation.
func Default() *Config {
	return &Config{
		Storage: Storage{
			BatchDir:    "data/batches",
			SnapshotDir: "data/snapshots",
			RunsPath:    "data/runs.db",
		},
		Batch: BatchConfig{
			MaxWorkers:          4,
			MaxRetryAttempts:    3,
			RetryBackoffSeconds: 1,
		},
		Server: Server{
			Host: "127.0.0.1",
			Port: 8710,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, and then applies environment variable overrides. A missing
// file is not an error; defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARLIN_BATCH_DIR"); v != "" {
		cfg.Storage.BatchDir = v
	}
	if v := os.Getenv("MARLIN_SNAPSHOT_DIR"); v != "" {
		cfg.Storage.SnapshotDir = v
	}
	if v := os.Getenv("MARLIN_RUNS_PATH"); v != "" {
		cfg.Storage.RunsPath = v
	}

	if v := os.Getenv("MARLIN_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Batch.MaxWorkers = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
