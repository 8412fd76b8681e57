package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source tells where a decided value came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Decider serves reads from the entry store while fresh and refreshes them
// from the network otherwise. Stale entries are never served after expiry.
type Decider struct {
	cache Cache
	sf    singleflight.Group
	log   zerolog.Logger
}

// NewDecider creates a decider over c.
func NewDecider(c Cache, log zerolog.Logger) *Decider {
	return &Decider{cache: c, log: log}
}

// Cache returns the underlying entry store.
func (d *Decider) Cache() Cache { return d.cache }

// Decide returns the value for key, from the cache if a fresh entry exists and
// from fetch otherwise. Concurrent calls for the same key share one fetch.
func Decide[T any](ctx context.Context, d *Decider, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, Source, error) {
	var zero T

	entry, expired, err := d.cache.Get(ctx, key)
	switch {
	case err == nil && !expired:
		var v T
		if err := json.Unmarshal(entry.Body, &v); err == nil {
			return v, SourceCache, nil
		}
		// an undecodable entry is treated as a miss and overwritten below
		d.log.Warn().Str("key", key).Msg("cache entry undecodable, refetching")
	case err != nil && !errors.Is(err, ErrNotFound):
		return zero, "", err
	}

	v, err, shared := d.sf.Do(key, func() (any, error) {
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if err := d.cache.Put(ctx, key, body, ttl); err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return zero, "", err
	}
	d.log.Debug().Str("key", key).Bool("shared", shared).Msg("cache refreshed from network")
	val, _ := v.(T)
	return val, SourceNetwork, nil
}
