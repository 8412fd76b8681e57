// Package cache provides the local entry store for read results with per-entry
// expiry, and the decider that chooses between cached and network data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key. It signals a
	// cache miss, not a failure.
	ErrNotFound = errors.New("cache entry not found")
)

// Entry represents a cached read result with metadata
type Entry struct {
	Key       string          `json:"key"`
	Body      json.RawMessage `json:"body"`
	FetchedAt time.Time       `json:"fetched_at"`
	// TTL of zero means the entry never expires on its own
	TTL time.Duration `json:"ttl"`
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) >= e.TTL
}

// Reader defines the interface for reading cache entries
type Reader interface {
	// Get returns the entry for key and whether it has expired.
	// Returns ErrNotFound if there is no entry.
	Get(ctx context.Context, key string) (*Entry, bool, error)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Put stores body under key, replacing any previous entry
	Put(ctx context.Context, key string, body json.RawMessage, ttl time.Duration) error
	// Delete removes the entry for key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// Scanner lists entries sharing a key prefix
type Scanner interface {
	Scan(ctx context.Context, prefix string) ([]*Entry, error)
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	Reader
	Writer
	Scanner
}
