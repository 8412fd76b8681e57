// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	HAT     HATConfig
	Storage StorageConfig
	Sync    SyncConfig

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// APIToken guards the state-changing routes of the status api
	APIToken string `env:"HATSYNC_API_TOKEN"`
}

// HATConfig holds the remote HAT connection
type HATConfig struct {
	Domain string `env:"HAT_DOMAIN"`
	// Token seeds the credential file on first run
	Token string `env:"HAT_TOKEN"`
	// TokenFile is where the current (possibly renewed) token is kept
	TokenFile string `env:"HATSYNC_TOKEN_FILE"`
}

// StorageConfig holds the local database and blob locations
type StorageConfig struct {
	Driver      string `env:"HATSYNC_DB_DRIVER" envDefault:"sqlite3"`
	DatabaseURL string `env:"HATSYNC_DATABASE_URL"`
	BlobDir     string `env:"HATSYNC_BLOB_DIR"`
}

// SyncConfig holds replay behaviour
type SyncConfig struct {
	MaxAttempts   int           `env:"HATSYNC_MAX_ATTEMPTS" envDefault:"5"`
	ProbeURL      string        `env:"HATSYNC_PROBE_URL"`
	ProbeInterval time.Duration `env:"HATSYNC_PROBE_INTERVAL" envDefault:"30s"`
}

// Load reads configuration from environment variables and fills in
// locations under ~/.hatsync that were not set.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	needsHome := c.HAT.TokenFile == "" || c.Storage.BlobDir == "" ||
		(c.Storage.DatabaseURL == "" && c.Storage.Driver == "sqlite3")
	if needsHome {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		dir := filepath.Join(home, ".hatsync")
		if c.HAT.TokenFile == "" {
			c.HAT.TokenFile = filepath.Join(dir, "token")
		}
		if c.Storage.BlobDir == "" {
			c.Storage.BlobDir = filepath.Join(dir, "blobs")
		}
		if c.Storage.DatabaseURL == "" && c.Storage.Driver == "sqlite3" {
			c.Storage.DatabaseURL = filepath.Join(dir, "hatsync.db")
		}
	}
	if c.Sync.ProbeURL == "" && c.HAT.Domain != "" {
		c.Sync.ProbeURL = "https://" + c.HAT.Domain + "/"
	}
	return nil
}

// HasRemote returns true if a HAT to sync with is configured
func (c *Config) HasRemote() bool {
	return c.HAT.Domain != ""
}

// Validate checks values Load cannot check on its own
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("HATSYNC_DB_DRIVER must be sqlite3 or pgx, got %q", c.Storage.Driver))
	}
	if c.Storage.DatabaseURL == "" {
		errs = append(errs, errors.New("HATSYNC_DATABASE_URL is required"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("HATSYNC_MAX_ATTEMPTS must be positive, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("HATSYNC_PROBE_INTERVAL must be positive, got %s", c.Sync.ProbeInterval))
	}
	return errors.Join(errs...)
}
