package engine

import (
	"context"

	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/queue"
	"github.com/dataswift/hatsync/reconcile"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// Read returns the records of resourceType matching params. A fresh cached
// result is served without network I/O; otherwise the HAT is queried and the
// answer merged with local writes that have not been replayed yet.
func (e *Engine) Read(ctx context.Context, resourceType string, params map[string]string) ([]resource.Record, cache.Source, error) {
	a, err := e.adapter(resourceType)
	if err != nil {
		return nil, "", err
	}
	return cache.Decide(ctx, e.decider, a.KeyFor(params), a.TTL(), func(ctx context.Context) ([]resource.Record, error) {
		if !e.gate.Online(ctx) {
			return nil, reconcile.ErrOffline
		}
		fetched, err := a.Fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		return e.merge(ctx, a, params, fetched)
	})
}

// Get returns the local copy of one record. It never goes to the network.
func (e *Engine) Get(ctx context.Context, resourceType, localRef string) (resource.Record, error) {
	if _, err := e.adapter(resourceType); err != nil {
		return resource.Record{}, err
	}
	var rec resource.Record
	err := e.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		rec, err = reconcile.GetRecordTx(ctx, tx, resourceType, localRef)
		return err
	})
	return rec, err
}

// merge maps server records onto known local refs, lets pending local writes
// win over server data and refreshes record entries of records with nothing
// pending. Local creates not yet on the server are included in unfiltered
// reads.
func (e *Engine) merge(ctx context.Context, a resource.Adapter, params map[string]string, fetched []resource.Record) ([]resource.Record, error) {
	resourceType := a.Type()
	singleton, isSingleton := a.(resource.Singleton)

	out := make([]resource.Record, 0, len(fetched))
	err := e.db.Update(ctx, func(tx *storage.Tx) error {
		local, err := reconcile.ScanRecordsTx(ctx, tx, resourceType)
		if err != nil {
			return err
		}
		pending, err := queue.PendingTx(ctx, tx, resourceType)
		if err != nil {
			return err
		}

		byRef := make(map[string]resource.Record, len(local))
		byRemote := make(map[string]string, len(local))
		for _, rec := range local {
			byRef[rec.LocalRef] = rec
			if rec.RemoteID != "" {
				byRemote[rec.RemoteID] = rec.LocalRef
			}
		}
		dirty := make(map[string]bool)
		deleted := make(map[string]bool)
		for _, m := range pending {
			dirty[m.LocalRef] = true
			deleted[m.LocalRef] = m.Kind == queue.KindDelete
			if m.Kind == queue.KindDelete && m.RemoteID != "" {
				deleted[m.RemoteID] = true
			}
		}

		seen := make(map[string]bool)
		for _, rec := range fetched {
			if deleted[rec.RemoteID] {
				continue
			}
			if ref, ok := byRemote[rec.RemoteID]; ok {
				rec.LocalRef = ref
			} else if isSingleton {
				rec.LocalRef = singleton.SingletonRef()
			}
			if deleted[rec.LocalRef] || seen[rec.LocalRef] {
				continue
			}
			seen[rec.LocalRef] = true

			if dirty[rec.LocalRef] {
				if mine, ok := byRef[rec.LocalRef]; ok {
					rec.Data = mine.Data
				}
			} else if err := reconcile.PutRecordTx(ctx, tx, resourceType, rec, e.now()); err != nil {
				return err
			}
			out = append(out, rec)
		}

		if len(params) > 0 {
			return nil
		}
		for _, m := range pending {
			if m.Kind != queue.KindCreate || seen[m.LocalRef] || deleted[m.LocalRef] {
				continue
			}
			if mine, ok := byRef[m.LocalRef]; ok {
				seen[m.LocalRef] = true
				out = append(out, mine)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
