package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"HAT_DOMAIN", "HAT_TOKEN", "HATSYNC_TOKEN_FILE", "HATSYNC_DB_DRIVER", "HATSYNC_DATABASE_URL",
	"HATSYNC_BLOB_DIR", "HATSYNC_MAX_ATTEMPTS", "HATSYNC_PROBE_URL", "HATSYNC_PROBE_INTERVAL",
	"REDIS_ADDR", "PORT", "LOG_LEVEL", "HATSYNC_API_TOKEN",
}

// setupTestEnv points HOME at a temporary directory and clears every
// variable Load reads.
func setupTestEnv(t *testing.T) string {
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range allVars {
		t.Setenv(k, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := setupTestEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Storage.Driver != "sqlite3" {
		t.Errorf("Expected driver sqlite3, got %q", cfg.Storage.Driver)
	}
	if want := filepath.Join(home, ".hatsync", "hatsync.db"); cfg.Storage.DatabaseURL != want {
		t.Errorf("Expected database %q, got %q", want, cfg.Storage.DatabaseURL)
	}
	if want := filepath.Join(home, ".hatsync", "blobs"); cfg.Storage.BlobDir != want {
		t.Errorf("Expected blob dir %q, got %q", want, cfg.Storage.BlobDir)
	}
	if want := filepath.Join(home, ".hatsync", "token"); cfg.HAT.TokenFile != want {
		t.Errorf("Expected token file %q, got %q", want, cfg.HAT.TokenFile)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.ProbeInterval != 30*time.Second {
		t.Errorf("Expected 30s probe interval, got %s", cfg.Sync.ProbeInterval)
	}
	if cfg.Port != "8080" || cfg.RedisAddr != "localhost:6379" || cfg.LogLevel != "info" {
		t.Errorf("Unexpected service defaults: %+v", cfg)
	}
	if cfg.HasRemote() {
		t.Error("Should not have a remote configured")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("HAT_DOMAIN", "alice.hubofallthings.net")
	t.Setenv("HAT_TOKEN", "tok")
	t.Setenv("HATSYNC_DB_DRIVER", "pgx")
	t.Setenv("HATSYNC_DATABASE_URL", "postgres://localhost/hatsync")
	t.Setenv("HATSYNC_MAX_ATTEMPTS", "3")
	t.Setenv("HATSYNC_PROBE_INTERVAL", "5s")
	t.Setenv("HATSYNC_API_TOKEN", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.HasRemote() {
		t.Error("Should have a remote configured")
	}
	if cfg.HAT.Token != "tok" {
		t.Errorf("Expected token 'tok', got %q", cfg.HAT.Token)
	}
	if cfg.Storage.DatabaseURL != "postgres://localhost/hatsync" {
		t.Errorf("Database URL overridden: %q", cfg.Storage.DatabaseURL)
	}
	if cfg.APIToken != "s3cret" {
		t.Errorf("Expected api token 's3cret', got %q", cfg.APIToken)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.ProbeInterval != 5*time.Second {
		t.Errorf("Expected 5s interval, got %s", cfg.Sync.ProbeInterval)
	}
	if cfg.Sync.ProbeURL != "https://alice.hubofallthings.net/" {
		t.Errorf("Expected probe URL derived from domain, got %q", cfg.Sync.ProbeURL)
	}
}

func TestLoadInvalidNumber(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("HATSYNC_MAX_ATTEMPTS", "many")

	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid HATSYNC_MAX_ATTEMPTS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "HATSYNC_DB_DRIVER"},
		{name: "missing database", mutate: func(c *Config) { c.Storage.DatabaseURL = "" }, wantErr: "HATSYNC_DATABASE_URL"},
		{name: "zero attempts", mutate: func(c *Config) { c.Sync.MaxAttempts = 0 }, wantErr: "HATSYNC_MAX_ATTEMPTS"},
		{name: "zero interval", mutate: func(c *Config) { c.Sync.ProbeInterval = 0 }, wantErr: "HATSYNC_PROBE_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Storage: StorageConfig{Driver: "sqlite3", DatabaseURL: "/tmp/x.db"},
				Sync:    SyncConfig{MaxAttempts: 5, ProbeInterval: time.Second},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
