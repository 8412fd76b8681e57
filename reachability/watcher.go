package reachability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Watcher polls a Gate and calls OnOnline on every offline to online
// transition. The first poll counts as a transition when the gate is online,
// so work queued before startup is picked up.
type Watcher struct {
	gate     Gate
	interval time.Duration
	onOnline func(ctx context.Context)
	log      zerolog.Logger
}

// NewWatcher creates a watcher; Run starts it
func NewWatcher(gate Gate, interval time.Duration, onOnline func(ctx context.Context), log zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{gate: gate, interval: interval, onOnline: onOnline, log: log}
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	online := false
	for {
		now := w.gate.Online(ctx)
		if now != online {
			w.log.Info().Bool("online", now).Msg("reachability changed")
			if now {
				w.onOnline(ctx)
			}
			online = now
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
