// Package resource defines the contract that binds one resource kind (notes,
// locations, ...) to the generic cache and replay engine.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoRemoteID is returned by adapters asked to update or delete a record
// the remote service never assigned an identifier to.
var ErrNoRemoteID = errors.New("record has no remote identifier")

// Record is the snapshot of one resource as stored in the cache and the queue.
type Record struct {
	// LocalRef is assigned on the device and never changes
	LocalRef string `json:"localRef"`
	// RemoteID is empty until the server assigns one
	RemoteID string          `json:"remoteId,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Adapter translates between one resource kind and the remote service.
// Implementations hold no caching or queuing logic.
type Adapter interface {
	// Type is the resource type tag, also used as the cache key prefix
	Type() string

	// TTL is how long fetched results stay fresh; zero means forever
	TTL() time.Duration

	// KeyFor returns the cache key for a read with the given parameters
	KeyFor(params map[string]string) string

	// Fetch reads records from the remote service
	Fetch(ctx context.Context, params map[string]string) ([]Record, error)

	// Create posts a new record and returns it with its RemoteID set
	Create(ctx context.Context, rec Record) (Record, error)

	// Update replaces the remote record identified by rec.RemoteID
	Update(ctx context.Context, rec Record) (Record, error)

	// Delete removes the remote record identified by rec.RemoteID
	Delete(ctx context.Context, rec Record) error
}

// Attacher is implemented by adapters whose records can reference a local
// binary that must be uploaded before the record is sent.
type Attacher interface {
	// AttachURL rewrites data to point at the uploaded file
	AttachURL(data json.RawMessage, url string) (json.RawMessage, error)
}

// Migrator is implemented by adapters whose queued payload shape changed.
// MigratePayload upgrades data written with an older schema version.
type Migrator interface {
	MigratePayload(version int, data json.RawMessage) (json.RawMessage, error)
}

// Preparer is implemented by adapters that stamp or validate data at the time
// of the local write (author, timestamps), before it is cached and queued.
type Preparer interface {
	PrepareWrite(create bool, data json.RawMessage) (json.RawMessage, error)
}

// Singleton is implemented by resource types holding one logical record per
// user. Every write uses the same LocalRef so pending writes supersede each
// other.
type Singleton interface {
	SingletonRef() string
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a client-supplied identifier that the remote
// service uses to deduplicate replays of the same mutation.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey, if any.
func IdempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKey{}).(string)
	return k
}
