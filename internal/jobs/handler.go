package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/engine"
	"github.com/dataswift/hatsync/reconcile"
)

// Reconciler is the part of the engine the worker drives
type Reconciler interface {
	Reconcile(ctx context.Context, resourceType string) (reconcile.Result, error)
	ReconcileAll(ctx context.Context) (map[string]reconcile.Result, error)
}

var _ Reconciler = (*engine.Engine)(nil)

// Handler processes reconcile tasks
type Handler struct {
	Sync Reconciler
	Log  zerolog.Logger
}

// ProcessTask implements asynq.Handler. A pass that stopped with mutations
// left is returned as an error so asynq retries it with backoff; rejected
// credentials are not retried until a new write triggers another pass.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Log.Error().Err(err).Msg("bad reconcile payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	start := time.Now()
	results := make(map[string]reconcile.Result)
	if p.ResourceType == "" {
		all, err := h.Sync.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		results = all
	} else {
		res, err := h.Sync.Reconcile(ctx, p.ResourceType)
		if errors.Is(err, reconcile.ErrUnknownType) {
			h.Log.Error().Str("type", p.ResourceType).Msg("dropping task for unknown resource type")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if err != nil {
			return err
		}
		results[p.ResourceType] = res
	}

	var errs []error
	for typ, res := range results {
		log := h.Log.With().
			Str("type", typ).
			Int("applied", res.Applied).
			Int("remaining", res.Remaining).
			Dur("duration", time.Since(start)).
			Logger()
		if res.Stopped == nil || res.Remaining == 0 {
			log.Info().Msg("[sync] done")
			continue
		}
		if isAuth(res.Stopped) {
			log.Warn().Err(res.Stopped).Msg("[sync] credentials rejected, not retrying")
			continue
		}
		log.Warn().Err(res.Stopped).Msg("[sync] stopped early, will retry")
		errs = append(errs, fmt.Errorf("%s: %w", typ, res.Stopped))
	}
	return errors.Join(errs...)
}

func isAuth(err error) bool {
	var ae interface{ Auth() bool }
	return errors.As(err, &ae) && ae.Auth()
}
