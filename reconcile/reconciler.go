// Package reconcile replays queued mutations against the remote service and
// folds the results back into the local cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dataswift/hatsync/blob"
	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reachability"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// DefaultMaxAttempts is how many times a permanently rejected mutation is
// tried before it is moved to the dead-letter table.
const DefaultMaxAttempts = 5

var (
	// ErrOffline stops a pass when the reachability gate reports offline
	ErrOffline = errors.New("remote service unreachable")

	// ErrUnknownType is returned for a resource type with no adapter
	ErrUnknownType = errors.New("unknown resource type")
)

// Store is the transactional storage the reconciler runs on. *storage.DB
// implements it.
type Store interface {
	View(ctx context.Context, fn func(tx *storage.Tx) error) error
	Update(ctx context.Context, fn func(tx *storage.Tx) error) error
}

// Blobs gives access to attachments waiting for upload
type Blobs interface {
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Result summarises one reconcile pass
type Result struct {
	ResourceType string
	Applied      int
	Dropped      int
	DeadLettered int
	// Remaining is the number of mutations still queued after the pass
	Remaining int
	// Stopped is the reason the pass ended before the queue was drained
	Stopped error
}

// Reconciler drains the mutation queue, one pass per resource type at a time
type Reconciler struct {
	db          Store
	registry    *resource.Registry
	gate        reachability.Gate
	blobs       Blobs
	uploader    blob.Uploader
	reporter    Reporter
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger

	mu   sync.Mutex
	sems map[string]chan struct{}
}

type Option func(*Reconciler)

// WithAttachments enables uploading attachments referenced by mutations
func WithAttachments(blobs Blobs, uploader blob.Uploader) Option {
	return func(r *Reconciler) { r.blobs, r.uploader = blobs, uploader }
}

func WithReporter(rep Reporter) Option {
	return func(r *Reconciler) { r.reporter = rep }
}

func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New creates a reconciler
func New(db Store, registry *resource.Registry, gate reachability.Gate, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:          db,
		registry:    registry,
		gate:        gate,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         zerolog.Nop(),
		sems:        make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.reporter == nil {
		r.reporter = LogReporter{Log: r.log}
	}
	return r
}

// acquire serialises passes for one resource type
func (r *Reconciler) acquire(ctx context.Context, resourceType string) (func(), error) {
	r.mu.Lock()
	sem, ok := r.sems[resourceType]
	if !ok {
		sem = make(chan struct{}, 1)
		r.sems[resourceType] = sem
	}
	r.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reconcile replays the pending mutations of resourceType in order. It stops
// at the first mutation that fails, or when the gate reports offline; the
// reason is in Result.Stopped. The returned error is reserved for passes that
// could not start.
func (r *Reconciler) Reconcile(ctx context.Context, resourceType string) (Result, error) {
	res := Result{ResourceType: resourceType}

	adapter, ok := r.registry.Get(resourceType)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}

	release, err := r.acquire(ctx, resourceType)
	if err != nil {
		return res, err
	}
	defer release()

	// The head is re-read for every step: a success retargets later
	// mutations, and writes made during the pass may coalesce them away.
	var seq int64
	for {
		var m *queue.Mutation
		err := r.db.View(ctx, func(tx *storage.Tx) error {
			var err error
			m, err = queue.NextTx(ctx, tx, resourceType, seq)
			return err
		})
		if err != nil {
			if seq == 0 {
				return res, err
			}
			res.Stopped = err
			break
		}
		if m == nil {
			break
		}
		seq = m.Seq

		if !r.gate.Online(ctx) {
			res.Stopped = ErrOffline
			break
		}

		outcome, err := r.replay(ctx, adapter, m)
		switch outcome {
		case OutcomeApplied:
			res.Applied++
		case OutcomeDropped:
			res.Dropped++
		case OutcomeDeadLetter:
			res.DeadLettered++
		}
		if err != nil {
			res.Stopped = err
			break
		}
	}

	if err := r.db.View(ctx, func(tx *storage.Tx) error {
		left, err := queue.PendingTx(ctx, tx, resourceType)
		res.Remaining = len(left)
		return err
	}); err != nil {
		r.log.Warn().Err(err).Str("type", resourceType).Msg("failed to count remaining mutations")
	}

	r.log.Info().
		Str("type", resourceType).
		Int("applied", res.Applied).
		Int("dropped", res.Dropped).
		Int("dead_lettered", res.DeadLettered).
		Int("remaining", res.Remaining).
		AnErr("stopped", res.Stopped).
		Msg("reconcile pass finished")
	return res, nil
}

// ReconcileAll runs one pass for every registered resource type, types in
// parallel. A type whose pass cannot start does not affect the others; its
// error is joined into the returned one.
func (r *Reconciler) ReconcileAll(ctx context.Context) (map[string]Result, error) {
	types := r.registry.List()
	results := make([]Result, len(types))
	errs := make([]error, len(types))

	var g errgroup.Group
	for i, t := range types {
		g.Go(func() error {
			results[i], errs[i] = r.Reconcile(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(types))
	for i, t := range types {
		out[t] = results[i]
	}
	return out, errors.Join(errs...)
}

// replay applies one mutation. A nil error means the pass may continue.
func (r *Reconciler) replay(ctx context.Context, adapter resource.Adapter, m *queue.Mutation) (Outcome, error) {
	env, err := m.Envelope()
	if err != nil {
		return r.drop(ctx, m, err)
	}
	stored := env.Version
	if env, err = migrate(adapter, env); err != nil {
		return r.drop(ctx, m, err)
	}
	rewrite := env.Version != stored

	var uploaded string
	if env.Attachment != nil {
		uploaded = env.Attachment.BlobKey
		if env, err = r.attach(ctx, adapter, env); err != nil {
			if errors.Is(err, queue.ErrCorruptPayload) {
				return r.drop(ctx, m, err)
			}
			return r.fail(ctx, m, err)
		}
		rewrite = true
	}

	// The rewritten payload and the replaying mark are committed before the
	// remote call, so an upload is never repeated.
	err = r.db.Update(ctx, func(tx *storage.Tx) error {
		if rewrite {
			if err := queue.UpdatePayloadTx(ctx, tx, m.ID, env); err != nil {
				return err
			}
		}
		return queue.MarkReplayingTx(ctx, tx, m.ID)
	})
	if err != nil {
		r.report(ctx, m, OutcomeStorage, err)
		return OutcomeStorage, err
	}
	if uploaded != "" {
		if err := r.blobs.Delete(uploaded); err != nil {
			r.log.Warn().Err(err).Str("blob", uploaded).Msg("failed to remove uploaded blob")
		}
	}

	rec := resource.Record{LocalRef: m.LocalRef, RemoteID: m.RemoteID, Data: env.Data}
	actx := resource.WithIdempotencyKey(ctx, m.ID)

	var result resource.Record
	switch m.Kind {
	case queue.KindCreate:
		result, err = adapter.Create(actx, rec)
	case queue.KindUpdate:
		result, err = adapter.Update(actx, rec)
	case queue.KindDelete:
		err = adapter.Delete(actx, rec)
		result = rec
	default:
		return r.drop(ctx, m, fmt.Errorf("%w: unknown kind %q", queue.ErrCorruptPayload, m.Kind))
	}
	if err != nil {
		return r.fail(ctx, m, err)
	}

	result.LocalRef = m.LocalRef
	if result.RemoteID == "" {
		result.RemoteID = m.RemoteID
	}
	if err := r.db.Update(ctx, func(tx *storage.Tx) error {
		return r.applyTx(ctx, tx, m, result)
	}); err != nil {
		r.report(ctx, m, OutcomeStorage, err)
		return OutcomeStorage, err
	}

	r.report(ctx, m, OutcomeApplied, nil)
	return OutcomeApplied, nil
}

// applyTx commits a confirmed mutation: it leaves the queue, the cache
// reflects the server's answer, and later writes to the same record learn
// its remote identifier.
func (r *Reconciler) applyTx(ctx context.Context, tx *storage.Tx, m *queue.Mutation, result resource.Record) error {
	if err := queue.RemoveTx(ctx, tx, m.ID); err != nil {
		return err
	}

	if m.Kind == queue.KindDelete {
		if err := DeleteRecordTx(ctx, tx, m.ResourceType, m.LocalRef); err != nil {
			return err
		}
		return PatchListsTx(ctx, tx, m.ResourceType, m.LocalRef, func(resource.Record) (resource.Record, bool) {
			return resource.Record{}, false
		})
	}

	if result.RemoteID != "" {
		if _, err := queue.RetargetTx(ctx, tx, m.ResourceType, m.LocalRef, result.RemoteID); err != nil {
			return err
		}
	}

	later, err := queue.ForRefTx(ctx, tx, m.ResourceType, m.LocalRef)
	if err != nil {
		return err
	}
	if len(later) > 0 {
		// newer local writes own the cached data; only learn the identifier
		return r.patchRemoteIDTx(ctx, tx, m.ResourceType, m.LocalRef, result.RemoteID)
	}

	if err := PutRecordTx(ctx, tx, m.ResourceType, result, r.now()); err != nil {
		return err
	}
	return PatchListsTx(ctx, tx, m.ResourceType, m.LocalRef, func(resource.Record) (resource.Record, bool) {
		return result, true
	})
}

func (r *Reconciler) patchRemoteIDTx(ctx context.Context, tx *storage.Tx, resourceType, localRef, remoteID string) error {
	rec, err := GetRecordTx(ctx, tx, resourceType, localRef)
	switch {
	case err == nil:
		rec.RemoteID = remoteID
		if err := PutRecordTx(ctx, tx, resourceType, rec, r.now()); err != nil {
			return err
		}
	case !errors.Is(err, cache.ErrNotFound):
		return err
	}
	return PatchListsTx(ctx, tx, resourceType, localRef, func(rec resource.Record) (resource.Record, bool) {
		rec.RemoteID = remoteID
		return rec, true
	})
}

// attach uploads the pending attachment and rewrites the payload to point at
// it. Missing blobs and adapters that cannot reference a file make the
// mutation impossible to apply and are reported as corrupt.
func (r *Reconciler) attach(ctx context.Context, adapter resource.Adapter, env queue.Envelope) (queue.Envelope, error) {
	att := env.Attachment
	attacher, ok := adapter.(resource.Attacher)
	if !ok {
		return env, fmt.Errorf("%w: %s records cannot carry attachments", queue.ErrCorruptPayload, adapter.Type())
	}
	if r.blobs == nil || r.uploader == nil {
		return env, errors.New("attachment upload not configured")
	}

	data, err := r.blobs.Get(att.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return env, fmt.Errorf("%w: %v", queue.ErrCorruptPayload, err)
	}
	if err != nil {
		return env, err
	}

	url, err := r.uploader.Upload(ctx, att.Name, data, att.Tags)
	if err != nil {
		return env, err
	}
	if env.Data, err = attacher.AttachURL(env.Data, url); err != nil {
		return env, fmt.Errorf("%w: %v", queue.ErrCorruptPayload, err)
	}
	env.Attachment = nil
	return env, nil
}

// drop removes a mutation that can never succeed
func (r *Reconciler) drop(ctx context.Context, m *queue.Mutation, cause error) (Outcome, error) {
	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		return queue.RemoveTx(ctx, tx, m.ID)
	})
	if err != nil {
		r.report(ctx, m, OutcomeStorage, err)
		return OutcomeStorage, err
	}
	r.report(ctx, m, OutcomeDropped, cause)
	return OutcomeDropped, nil
}

// fail records a rejected attempt and applies the dead-letter policy:
// permanent rejections are parked after maxAttempts, transient failures and
// credential problems stay queued.
func (r *Reconciler) fail(ctx context.Context, m *queue.Mutation, cause error) (Outcome, error) {
	retryable, auth := classify(cause)
	dead := !retryable && !auth && m.Attempts+1 >= r.maxAttempts

	err := r.db.Update(ctx, func(tx *storage.Tx) error {
		return queue.RecordFailureTx(ctx, tx, m.ID, cause.Error(), dead, r.now())
	})
	if err != nil {
		r.report(ctx, m, OutcomeStorage, err)
		return OutcomeStorage, err
	}

	m.Attempts++
	if dead {
		r.report(ctx, m, OutcomeDeadLetter, cause)
		return OutcomeDeadLetter, cause
	}
	r.report(ctx, m, OutcomeRetry, cause)
	return OutcomeRetry, cause
}

func (r *Reconciler) report(ctx context.Context, m *queue.Mutation, outcome Outcome, err error) {
	r.reporter.Report(ctx, Event{
		ResourceType: m.ResourceType,
		MutationID:   m.ID,
		LocalRef:     m.LocalRef,
		Kind:         m.Kind,
		Outcome:      outcome,
		Attempts:     m.Attempts,
		Err:          err,
	})
}

// classify mirrors the remote client's error taxonomy. Errors that do not
// describe themselves are permanent, except context expiry.
func classify(err error) (retryable, auth bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true, false
	}
	var re interface{ Retryable() bool }
	if errors.As(err, &re) {
		retryable = re.Retryable()
	}
	var ae interface{ Auth() bool }
	if errors.As(err, &ae) {
		auth = ae.Auth()
	}
	return retryable, auth
}

// migrate upgrades payloads written by older builds
func migrate(adapter resource.Adapter, env queue.Envelope) (queue.Envelope, error) {
	if env.Version == queue.EnvelopeVersion {
		return env, nil
	}
	if mg, ok := adapter.(resource.Migrator); ok {
		data, err := mg.MigratePayload(env.Version, env.Data)
		if err != nil {
			return env, fmt.Errorf("%w: %v", queue.ErrCorruptPayload, err)
		}
		env.Data = data
	}
	env.Version = queue.EnvelopeVersion
	return env, nil
}
