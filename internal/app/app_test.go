package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataswift/hatsync/adapters"
	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		HAT: config.HATConfig{
			Domain:    "alice.hubofallthings.net",
			Token:     "tok",
			TokenFile: filepath.Join(dir, "token"),
		},
		Storage: config.StorageConfig{
			Driver:      "sqlite3",
			DatabaseURL: filepath.Join(dir, "db", "hatsync.db"),
			BlobDir:     filepath.Join(dir, "blobs"),
		},
		Sync: config.SyncConfig{
			MaxAttempts:   3,
			ProbeURL:      "http://127.0.0.1:1/",
			ProbeInterval: time.Second,
		},
	}
}

func TestOpenRequiresRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.HAT.Domain = ""

	_, err := Open(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mysql"

	_, err := Open(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenPersistsWritesAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, zerolog.Nop(), engine.WithTrigger(engine.Manual))
	require.NoError(t, err)
	rec, err := a.Engine.Create(ctx, adapters.NotesType, json.RawMessage(`{"message":"kept"}`))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = Open(ctx, cfg, zerolog.Nop(), engine.WithTrigger(engine.Manual))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	pending, err := a.Engine.Queue().Pending(ctx, adapters.NotesType)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.LocalRef, pending[0].LocalRef)

	// the probe URL refuses connections, so the pass stops offline
	res, err := a.Engine.Reconcile(ctx, adapters.NotesType)
	require.NoError(t, err)
	assert.Error(t, res.Stopped)
	assert.Equal(t, 1, res.Remaining)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, zerolog.InfoLevel, NewLogger(&buf, "nonsense").GetLevel())
}
