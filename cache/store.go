package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dataswift/hatsync/storage"
)

// Store implements Cache on top of the transactional local store. Every
// method runs in its own transaction; the *Tx functions below let callers
// combine entry writes with queue writes in one commit.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for FetchedAt and expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an entry store backed by db
func NewStore(db *storage.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Get implements Reader
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var entry *Entry
	err := s.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		entry, err = GetTx(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry.Expired(s.now()), nil
}

// Put implements Writer
func (s *Store) Put(ctx context.Context, key string, body json.RawMessage, ttl time.Duration) error {
	return s.db.Update(ctx, func(tx *storage.Tx) error {
		return PutTx(ctx, tx, &Entry{Key: key, Body: body, FetchedAt: s.now(), TTL: ttl})
	})
}

// Delete implements Writer
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(ctx, func(tx *storage.Tx) error {
		return DeleteTx(ctx, tx, key)
	})
}

// Scan implements Scanner
func (s *Store) Scan(ctx context.Context, prefix string) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		entries, err = ScanTx(ctx, tx, prefix)
		return err
	})
	return entries, err
}

// GetTx reads one entry inside tx.
func GetTx(ctx context.Context, tx *storage.Tx, key string) (*Entry, error) {
	var (
		payload   string
		fetchedAt int64
		ttl       int64
	)
	err := tx.QueryRow(ctx,
		"SELECT payload, fetched_at, ttl_ns FROM cache_entries WHERE key = ?",
		[]any{key}, &payload, &fetchedAt, &ttl)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:       key,
		Body:      json.RawMessage(payload),
		FetchedAt: time.Unix(0, fetchedAt),
		TTL:       time.Duration(ttl),
	}, nil
}

// PutTx upserts entry inside tx.
func PutTx(ctx context.Context, tx *storage.Tx, entry *Entry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO cache_entries (key, payload, fetched_at, ttl_ns) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at, ttl_ns = excluded.ttl_ns`,
		entry.Key, string(entry.Body), entry.FetchedAt.UnixNano(), int64(entry.TTL))
	return err
}

// DeleteTx removes the entry for key inside tx.
func DeleteTx(ctx context.Context, tx *storage.Tx, key string) error {
	_, err := tx.Exec(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
	return err
}

// ScanTx lists every entry whose key starts with prefix, ordered by key.
func ScanTx(ctx context.Context, tx *storage.Tx, prefix string) ([]*Entry, error) {
	var entries []*Entry
	err := tx.Query(ctx,
		`SELECT key, payload, fetched_at, ttl_ns FROM cache_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		func(rows *sql.Rows) error {
			var (
				e         Entry
				payload   string
				fetchedAt int64
				ttl       int64
			)
			if err := rows.Scan(&e.Key, &payload, &fetchedAt, &ttl); err != nil {
				return &storage.Error{Op: "scan", Err: err}
			}
			e.Body = json.RawMessage(payload)
			e.FetchedAt = time.Unix(0, fetchedAt)
			e.TTL = time.Duration(ttl)
			entries = append(entries, &e)
			return nil
		},
		storage.EscapeLike(prefix)+"%")
	return entries, err
}

var _ Cache = (*Store)(nil)
