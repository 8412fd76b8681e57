package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/resource"
	"github.com/dataswift/hatsync/storage"
)

// Record entries ("<type>-record-<localRef>") hold the authoritative copy of
// each record. List entries (any other key under the type prefix) hold read
// results, a JSON array of resource.Record, and are patched in place.

func recordPrefix(resourceType string) string {
	return cache.RecordKey(resourceType, "")
}

func isListKey(resourceType, key string) bool {
	if strings.HasPrefix(key, recordPrefix(resourceType)) {
		return false
	}
	return key == resourceType || strings.HasPrefix(key, resourceType+"-")
}

// GetRecordTx reads the record entry for localRef. It returns cache.ErrNotFound
// when the record is unknown locally.
func GetRecordTx(ctx context.Context, tx *storage.Tx, resourceType, localRef string) (resource.Record, error) {
	var rec resource.Record
	entry, err := cache.GetTx(ctx, tx, cache.RecordKey(resourceType, localRef))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(entry.Body, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", entry.Key, err)
	}
	return rec, nil
}

// PutRecordTx writes the record entry for rec. Record entries never expire.
func PutRecordTx(ctx context.Context, tx *storage.Tx, resourceType string, rec resource.Record, now time.Time) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", resourceType, err)
	}
	return cache.PutTx(ctx, tx, &cache.Entry{Key: cache.RecordKey(resourceType, rec.LocalRef), Body: body, FetchedAt: now})
}

// DeleteRecordTx removes the record entry for localRef.
func DeleteRecordTx(ctx context.Context, tx *storage.Tx, resourceType, localRef string) error {
	return cache.DeleteTx(ctx, tx, cache.RecordKey(resourceType, localRef))
}

// ScanRecordsTx lists every record entry of resourceType.
func ScanRecordsTx(ctx context.Context, tx *storage.Tx, resourceType string) ([]resource.Record, error) {
	entries, err := cache.ScanTx(ctx, tx, recordPrefix(resourceType))
	if err != nil {
		return nil, err
	}
	recs := make([]resource.Record, 0, len(entries))
	for _, e := range entries {
		var rec resource.Record
		if err := json.Unmarshal(e.Body, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// PatchListsTx rewrites the element referencing localRef in every list entry
// of resourceType: fn returns the replacement, or false to remove it. Entry
// freshness is left untouched.
func PatchListsTx(ctx context.Context, tx *storage.Tx, resourceType, localRef string, fn func(resource.Record) (resource.Record, bool)) error {
	entries, err := cache.ScanTx(ctx, tx, resourceType)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !isListKey(resourceType, e.Key) {
			continue
		}
		var recs []resource.Record
		if err := json.Unmarshal(e.Body, &recs); err != nil {
			// not a record list; leave it for the next refresh to overwrite
			continue
		}

		changed := false
		out := recs[:0]
		for _, rec := range recs {
			if rec.LocalRef != localRef {
				out = append(out, rec)
				continue
			}
			changed = true
			if next, keep := fn(rec); keep {
				out = append(out, next)
			}
		}
		if !changed {
			continue
		}
		if e.Body, err = json.Marshal(out); err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		if err := cache.PutTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// AppendListTx adds rec to the list entry at key, if that entry exists.
func AppendListTx(ctx context.Context, tx *storage.Tx, key string, rec resource.Record) error {
	e, err := cache.GetTx(ctx, tx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var recs []resource.Record
	if err := json.Unmarshal(e.Body, &recs); err != nil {
		return nil
	}
	for _, r := range recs {
		if r.LocalRef == rec.LocalRef {
			return nil
		}
	}
	if e.Body, err = json.Marshal(append(recs, rec)); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return cache.PutTx(ctx, tx, e)
}
