// Package engine is the read/write API of the sync engine. Reads go through
// the cache decider, writes update the local cache optimistically and are
// queued for replay against the HAT.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/blob"
	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reachability"
	"github.com/dataswift/hatsync/reconcile"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// ErrNoBlobStore is returned for a write with an attachment when the engine
// was built without WithBlobs.
var ErrNoBlobStore = errors.New("attachments not configured")

// Trigger starts a reconcile pass for a resource type after a write. It must
// not block on the pass itself.
type Trigger interface {
	Trigger(ctx context.Context, resourceType string) error
}

// TriggerFunc adapts a function to Trigger
type TriggerFunc func(ctx context.Context, resourceType string) error

func (f TriggerFunc) Trigger(ctx context.Context, resourceType string) error {
	return f(ctx, resourceType)
}

// Manual never triggers; passes run only when Reconcile is called.
var Manual Trigger = TriggerFunc(func(context.Context, string) error { return nil })

// Engine owns the entry store and the mutation queue
type Engine struct {
	db         *storage.DB
	store      *cache.Store
	decider    *cache.Decider
	queue      *queue.Queue
	registry   *resource.Registry
	gate       reachability.Gate
	reconciler *reconcile.Reconciler
	blobs      *blob.FileStore
	uploader   blob.Uploader
	trigger    Trigger

	reporter    reconcile.Reporter
	maxAttempts int
	now         func() time.Time
	newRef      func() string
	log         zerolog.Logger

	wg sync.WaitGroup
}

type Option func(*Engine)

// WithBlobs enables attachments: blobs are kept in store until uploader has
// sent them.
func WithBlobs(store *blob.FileStore, uploader blob.Uploader) Option {
	return func(e *Engine) { e.blobs, e.uploader = store, uploader }
}

// WithTrigger replaces the in-process background pass started after writes
func WithTrigger(t Trigger) Option {
	return func(e *Engine) { e.trigger = t }
}

func WithReporter(r reconcile.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an engine over db. Mutations left replaying by a previous
// process are returned to the queue.
func New(ctx context.Context, db *storage.DB, registry *resource.Registry, gate reachability.Gate, opts ...Option) (*Engine, error) {
	e := &Engine{
		db:          db,
		registry:    registry,
		gate:        gate,
		maxAttempts: reconcile.DefaultMaxAttempts,
		now:         time.Now,
		newRef:      uuid.NewString,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}

	e.store = cache.NewStore(db, cache.WithClock(e.now))
	e.decider = cache.NewDecider(e.store, e.log)
	e.queue = queue.NewQueue(db, queue.WithClock(e.now))

	ropts := []reconcile.Option{
		reconcile.WithMaxAttempts(e.maxAttempts),
		reconcile.WithClock(e.now),
		reconcile.WithLogger(e.log),
	}
	if e.reporter != nil {
		ropts = append(ropts, reconcile.WithReporter(e.reporter))
	}
	if e.blobs != nil {
		ropts = append(ropts, reconcile.WithAttachments(e.blobs, e.uploader))
	}
	e.reconciler = reconcile.New(db, registry, gate, ropts...)
	if e.trigger == nil {
		e.trigger = TriggerFunc(e.background)
	}

	n, err := e.queue.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		e.log.Info().Int64("mutations", n).Msg("requeued interrupted mutations")
	}
	return e, nil
}

// Queue exposes the mutation queue for inspection and maintenance
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Store exposes the entry store
func (e *Engine) Store() *cache.Store { return e.store }

// Registry returns the registered resource types
func (e *Engine) Registry() *resource.Registry { return e.registry }

func (e *Engine) adapter(resourceType string) (resource.Adapter, error) {
	a, ok := e.registry.Get(resourceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", reconcile.ErrUnknownType, resourceType)
	}
	return a, nil
}

// Reconcile runs one replay pass for resourceType
func (e *Engine) Reconcile(ctx context.Context, resourceType string) (reconcile.Result, error) {
	return e.reconciler.Reconcile(ctx, resourceType)
}

// ReconcileAll runs one replay pass for every resource type
func (e *Engine) ReconcileAll(ctx context.Context) (map[string]reconcile.Result, error) {
	return e.reconciler.ReconcileAll(ctx)
}

// OnOnline is the reachability watcher callback
func (e *Engine) OnOnline(ctx context.Context) {
	results, err := e.ReconcileAll(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("reconcile after reconnect failed")
		return
	}
	for t, res := range results {
		if res.Stopped != nil {
			e.log.Warn().Str("type", t).Err(res.Stopped).Int("remaining", res.Remaining).Msg("reconcile stopped early")
		}
	}
}

// background is the default trigger: a detached pass tracked by Wait
func (e *Engine) background(ctx context.Context, resourceType string) error {
	if !e.gate.Online(ctx) {
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.reconciler.Reconcile(context.WithoutCancel(ctx), resourceType); err != nil {
			e.log.Error().Err(err).Str("type", resourceType).Msg("background reconcile failed")
		}
	}()
	return nil
}

// Wait blocks until background passes started by writes have finished
func (e *Engine) Wait() { e.wg.Wait() }

// Close waits for background passes. The storage handle stays open; it
// belongs to the caller.
func (e *Engine) Close() error {
	e.Wait()
	return nil
}

func (e *Engine) kick(ctx context.Context, resourceType string) {
	if err := e.trigger.Trigger(ctx, resourceType); err != nil {
		// the write is durable; the next pass picks it up
		e.log.Warn().Err(err).Str("type", resourceType).Msg("failed to trigger reconcile")
	}
}

// Invalidate removes the cached read result for params so the next read
// goes to the network.
func (e *Engine) Invalidate(ctx context.Context, resourceType string, params map[string]string) error {
	a, err := e.adapter(resourceType)
	if err != nil {
		return err
	}
	return e.store.Delete(ctx, a.KeyFor(params))
}

// Entries lists cached entries under prefix, every entry when prefix is
// empty.
func (e *Engine) Entries(ctx context.Context, prefix string) ([]*cache.Entry, error) {
	return e.store.Scan(ctx, prefix)
}
