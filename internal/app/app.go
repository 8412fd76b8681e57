// Package app wires configuration into a running sync engine. The api, worker
// and CLI binaries all start from Open.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/adapters"
	"github.com/dataswift/hatsync/blob"
	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/hat"
	"github.com/dataswift/hatsync/internal/config"
	"github.com/dataswift/hatsync/reachability"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// ErrNoRemote is returned when HAT_DOMAIN is not set
var ErrNoRemote = errors.New("no HAT configured - please set HAT_DOMAIN")

// App holds the long-lived pieces of a configured engine
type App struct {
	Config *config.Config
	DB     *storage.DB
	Client *hat.Client
	Gate   reachability.Gate
	Engine *engine.Engine
	Log    zerolog.Logger
}

// NewLogger builds the process logger at level, falling back to info
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Open connects storage, the HAT client and the engine described by cfg.
// Extra engine options are applied after the configured ones.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...engine.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.HasRemote() {
		return nil, ErrNoRemote
	}

	db, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, err
	}

	creds, err := hat.NewFileCredentials(cfg.HAT.TokenFile, cfg.HAT.Token)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	client, err := hat.New(cfg.HAT.Domain, creds,
		hat.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		hat.WithLogger(log))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hat client: %w", err)
	}

	blobs, err := blob.NewFileStore(cfg.Storage.BlobDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reg := resource.NewRegistry()
	adapters.Register(reg, client, cfg.HAT.Domain, time.Now)

	gate := &reachability.HTTPProbe{URL: cfg.Sync.ProbeURL, Timeout: 5 * time.Second}

	eopts := append([]engine.Option{
		engine.WithBlobs(blobs, client),
		engine.WithMaxAttempts(cfg.Sync.MaxAttempts),
		engine.WithLogger(log),
	}, opts...)
	e, err := engine.New(ctx, db, reg, gate, eopts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &App{Config: cfg, DB: db, Client: client, Gate: gate, Engine: e, Log: log}, nil
}

// Watcher returns a reachability watcher that drains the queue whenever the
// HAT becomes reachable.
func (a *App) Watcher() *reachability.Watcher {
	return reachability.NewWatcher(a.Gate, a.Config.Sync.ProbeInterval, a.Engine.OnOnline, a.Log)
}

// Close waits for background passes and closes storage
func (a *App) Close() error {
	return errors.Join(a.Engine.Close(), a.DB.Close())
}
