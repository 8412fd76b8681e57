package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reconcile"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// WriteOption customises a single write
type WriteOption func(*writeOptions)

type writeOptions struct {
	attachment *attachment
	localRef   string
}

type attachment struct {
	name string
	data []byte
	tags []string
}

// WithAttachment stores data locally and uploads it before the write is
// replayed. The uploaded file's URL replaces the record's file reference.
func WithAttachment(name string, data []byte, tags ...string) WriteOption {
	return func(o *writeOptions) { o.attachment = &attachment{name: name, data: data, tags: tags} }
}

// WithLocalRef creates the record under a caller-chosen local reference
func WithLocalRef(ref string) WriteOption {
	return func(o *writeOptions) { o.localRef = ref }
}

// Create records a new resource locally and queues it for the HAT. The
// returned record carries the local reference to use for later writes; its
// RemoteID stays empty until the create is replayed.
func (e *Engine) Create(ctx context.Context, resourceType string, data json.RawMessage, opts ...WriteOption) (resource.Record, error) {
	var o writeOptions
	for _, fn := range opts {
		fn(&o)
	}
	a, err := e.adapter(resourceType)
	if err != nil {
		return resource.Record{}, err
	}

	rec := resource.Record{LocalRef: o.localRef}
	if s, ok := a.(resource.Singleton); ok {
		rec.LocalRef = s.SingletonRef()
	}
	if rec.LocalRef == "" {
		rec.LocalRef = e.newRef()
	}
	if rec.Data, err = prepare(a, true, data); err != nil {
		return resource.Record{}, err
	}

	att, err := e.stash(o.attachment)
	if err != nil {
		return resource.Record{}, err
	}
	m, err := queue.New(queue.KindCreate, resourceType, rec.LocalRef, "", rec.Data, att)
	if err != nil {
		return resource.Record{}, err
	}

	var out queue.Outcome
	err = e.db.Update(ctx, func(tx *storage.Tx) error {
		if err := e.writeLocalTx(ctx, tx, a, rec); err != nil {
			return err
		}
		if err := reconcile.AppendListTx(ctx, tx, a.KeyFor(nil), rec); err != nil {
			return err
		}
		var err error
		out, err = e.queue.CoalesceTx(ctx, tx, m)
		return err
	})
	if err != nil {
		e.unstash(att)
		return resource.Record{}, fmt.Errorf("create %s: %w", resourceType, err)
	}
	e.release(out)

	e.log.Debug().Str("type", resourceType).Str("local_ref", rec.LocalRef).Msg("create queued")
	e.kick(ctx, resourceType)
	return rec, nil
}

// Update replaces the data of a locally known record and queues the change.
// It returns cache.ErrNotFound for a record the engine has never seen.
func (e *Engine) Update(ctx context.Context, resourceType, localRef string, data json.RawMessage, opts ...WriteOption) (resource.Record, error) {
	var o writeOptions
	for _, fn := range opts {
		fn(&o)
	}
	a, err := e.adapter(resourceType)
	if err != nil {
		return resource.Record{}, err
	}
	if data, err = prepare(a, false, data); err != nil {
		return resource.Record{}, err
	}

	att, err := e.stash(o.attachment)
	if err != nil {
		return resource.Record{}, err
	}

	var (
		rec resource.Record
		out queue.Outcome
	)
	err = e.db.Update(ctx, func(tx *storage.Tx) error {
		current, err := reconcile.GetRecordTx(ctx, tx, resourceType, localRef)
		if err != nil {
			return err
		}
		rec = resource.Record{LocalRef: localRef, RemoteID: current.RemoteID, Data: data}

		m, err := queue.New(queue.KindUpdate, resourceType, localRef, current.RemoteID, data, att)
		if err != nil {
			return err
		}
		if err := e.writeLocalTx(ctx, tx, a, rec); err != nil {
			return err
		}
		out, err = e.queue.CoalesceTx(ctx, tx, m)
		return err
	})
	if err != nil {
		e.unstash(att)
		return resource.Record{}, fmt.Errorf("update %s %s: %w", resourceType, localRef, err)
	}
	e.release(out)

	e.kick(ctx, resourceType)
	return rec, nil
}

// Delete removes a record locally and queues its removal from the HAT. A
// record that never reached the HAT is only removed locally.
func (e *Engine) Delete(ctx context.Context, resourceType, localRef string) error {
	if _, err := e.adapter(resourceType); err != nil {
		return err
	}

	var out queue.Outcome
	err := e.db.Update(ctx, func(tx *storage.Tx) error {
		current, err := reconcile.GetRecordTx(ctx, tx, resourceType, localRef)
		if err != nil {
			return err
		}
		if err := reconcile.DeleteRecordTx(ctx, tx, resourceType, localRef); err != nil {
			return err
		}
		if err := reconcile.PatchListsTx(ctx, tx, resourceType, localRef, func(resource.Record) (resource.Record, bool) {
			return resource.Record{}, false
		}); err != nil {
			return err
		}

		m, err := queue.New(queue.KindDelete, resourceType, localRef, current.RemoteID, nil, nil)
		if err != nil {
			return err
		}
		out, err = e.queue.CoalesceTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", resourceType, localRef, err)
	}
	e.release(out)

	if out.Stored {
		e.kick(ctx, resourceType)
	}
	return nil
}

// writeLocalTx stores rec as the record entry and refreshes list entries
// that already show it.
func (e *Engine) writeLocalTx(ctx context.Context, tx *storage.Tx, a resource.Adapter, rec resource.Record) error {
	if err := reconcile.PutRecordTx(ctx, tx, a.Type(), rec, e.now()); err != nil {
		return err
	}
	return reconcile.PatchListsTx(ctx, tx, a.Type(), rec.LocalRef, func(resource.Record) (resource.Record, bool) {
		return rec, true
	})
}

func prepare(a resource.Adapter, create bool, data json.RawMessage) (json.RawMessage, error) {
	p, ok := a.(resource.Preparer)
	if !ok {
		return data, nil
	}
	out, err := p.PrepareWrite(create, data)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", a.Type(), err)
	}
	return out, nil
}

// stash keeps attachment bytes until the reconciler uploads them
func (e *Engine) stash(att *attachment) (*queue.Attachment, error) {
	if att == nil {
		return nil, nil
	}
	if e.blobs == nil {
		return nil, ErrNoBlobStore
	}
	key, err := e.blobs.Put(att.data)
	if err != nil {
		return nil, err
	}
	return &queue.Attachment{BlobKey: key, Name: att.name, Tags: att.tags}, nil
}

// release drops the blobs of attachments coalescing removed from the queue
func (e *Engine) release(out queue.Outcome) {
	for _, att := range out.Released {
		e.unstash(att)
	}
}

func (e *Engine) unstash(att *queue.Attachment) {
	if att == nil || e.blobs == nil {
		return
	}
	if err := e.blobs.Delete(att.BlobKey); err != nil {
		e.log.Warn().Err(err).Str("blob", att.BlobKey).Msg("failed to remove orphaned blob")
	}
}
