package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataswift/hatsync/storage"
)

const (
	mutationColumnsNoState = "id, seq, kind, resource_type, local_ref, remote_id, payload, enqueued_at, attempts, last_error"
	mutationColumns        = mutationColumnsNoState + ", state"
)

// Queue is the durable mutation log. Methods without a Tx suffix run in their
// own transaction.
type Queue struct {
	db    *storage.DB
	now   func() time.Time
	newID func() string
}

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides the time source used for EnqueuedAt
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue backed by db
func NewQueue(db *storage.DB, opts ...Option) *Queue {
	q := &Queue{db: db, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue durably records m, applying the coalescing rules. It reports
// whether m itself was stored: a Delete with nothing to delete server-side,
// or an Update folded into a pending Create, is not stored as a new entry.
func (q *Queue) Enqueue(ctx context.Context, m *Mutation) (bool, error) {
	var out Outcome
	err := q.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = q.CoalesceTx(ctx, tx, m)
		return err
	})
	return out.Stored, err
}

// EnqueueTx is Enqueue inside an existing transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *storage.Tx, m *Mutation) (bool, error) {
	out, err := q.CoalesceTx(ctx, tx, m)
	return out.Stored, err
}

// Outcome describes what coalescing did with an enqueued mutation.
type Outcome struct {
	// Stored is false when m was absorbed into, or cancelled out, the queue
	Stored bool
	// Released are attachments of queued mutations that were removed or
	// replaced. Nothing in the queue references their blobs any more.
	Released []*Attachment
}

// CoalesceTx stores m inside tx and reports the attachments it released.
//
// Rules, for mutations still queued (not replaying) on the same LocalRef:
//   - Delete removes all of them; it is stored only if a remote identifier is
//     known or a Create for the record is replaying right now.
//   - Update over a trailing Create replaces the Create's data.
//   - Create removes earlier queued Creates.
//   - Update removes earlier Updates whose field set it covers.
func (q *Queue) CoalesceTx(ctx context.Context, tx *storage.Tx, m *Mutation) (Outcome, error) {
	var out Outcome
	if m.ID == "" {
		m.ID = q.newID()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	m.State = StateQueued

	if m.LocalRef != "" {
		existing, err := ForRefTx(ctx, tx, m.ResourceType, m.LocalRef)
		if err != nil {
			return out, err
		}

		var (
			queued    []*Mutation
			replaying bool
		)
		for _, e := range existing {
			if e.State == StateReplaying {
				replaying = replaying || e.Kind == KindCreate
				continue
			}
			queued = append(queued, e)
			if m.RemoteID == "" && e.RemoteID != "" {
				m.RemoteID = e.RemoteID
			}
		}

		remove := func(e *Mutation) error {
			if env, err := e.Envelope(); err == nil && env.Attachment != nil {
				out.Released = append(out.Released, env.Attachment)
			}
			return RemoveTx(ctx, tx, e.ID)
		}

		switch m.Kind {
		case KindDelete:
			for _, e := range queued {
				if err := remove(e); err != nil {
					return out, err
				}
			}
			if m.RemoteID == "" && !replaying {
				return out, nil
			}

		case KindUpdate:
			if len(queued) > 0 && queued[len(queued)-1].Kind == KindCreate {
				released, err := q.foldTx(ctx, tx, queued[len(queued)-1], m)
				if released != nil {
					out.Released = append(out.Released, released)
				}
				return out, err
			}
			next, err := m.Envelope()
			if err != nil {
				return out, err
			}
			nextFields := fieldSet(next.Data)
			for _, e := range queued {
				if e.Kind != KindUpdate {
					continue
				}
				prev, err := e.Envelope()
				if err == nil && !supersedes(nextFields, fieldSet(prev.Data)) {
					continue
				}
				if err := remove(e); err != nil {
					return out, err
				}
			}

		case KindCreate:
			for _, e := range queued {
				if e.Kind != KindCreate {
					continue
				}
				if err := remove(e); err != nil {
					return out, err
				}
			}
		}
	}

	var seq int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM mutations", nil, &seq); err != nil {
		return out, err
	}
	m.Seq = seq

	_, err := tx.Exec(ctx,
		"INSERT INTO mutations ("+mutationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.Seq, string(m.Kind), m.ResourceType, m.LocalRef, m.RemoteID, string(m.Payload),
		m.EnqueuedAt.UnixNano(), m.Attempts, m.LastError, string(m.State))
	if err != nil {
		return out, err
	}
	out.Stored = true
	return out, nil
}

// foldTx replaces the data of the pending Create for the same record with
// the Update's. It returns the Create's attachment when the Update brings
// its own.
func (q *Queue) foldTx(ctx context.Context, tx *storage.Tx, create, update *Mutation) (*Attachment, error) {
	prev, err := create.Envelope()
	if err != nil {
		return nil, err
	}
	next, err := update.Envelope()
	if err != nil {
		return nil, err
	}
	prev.Data = next.Data
	var released *Attachment
	if next.Attachment != nil {
		released = prev.Attachment
		prev.Attachment = next.Attachment
	}
	return released, UpdatePayloadTx(ctx, tx, create.ID, prev)
}

// Pending returns every mutation of resourceType in enqueue order.
func (q *Queue) Pending(ctx context.Context, resourceType string) ([]*Mutation, error) {
	var out []*Mutation
	err := q.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = PendingTx(ctx, tx, resourceType)
		return err
	})
	return out, err
}

// PendingTx is Pending inside an existing transaction.
func PendingTx(ctx context.Context, tx *storage.Tx, resourceType string) ([]*Mutation, error) {
	return selectMutations(ctx, tx, "WHERE resource_type = ? ORDER BY seq", resourceType)
}

// HasPending reports whether any mutation of resourceType is waiting.
func (q *Queue) HasPending(ctx context.Context, resourceType string) (bool, error) {
	var n int
	err := q.db.View(ctx, func(tx *storage.Tx) error {
		return tx.QueryRow(ctx, "SELECT COUNT(*) FROM mutations WHERE resource_type = ?", []any{resourceType}, &n)
	})
	return n > 0, err
}

// Get returns one mutation by ID, or nil if it no longer exists.
func (q *Queue) Get(ctx context.Context, id string) (*Mutation, error) {
	var out []*Mutation
	err := q.db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = selectMutations(ctx, tx, "WHERE id = ?", id)
		return err
	})
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Remove deletes a mutation after the remote service confirmed it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.db.Update(ctx, func(tx *storage.Tx) error {
		return RemoveTx(ctx, tx, id)
	})
}

// Counts returns the number of queued mutations per resource type.
func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := q.db.View(ctx, func(tx *storage.Tx) error {
		return tx.Query(ctx, "SELECT resource_type, COUNT(*) FROM mutations GROUP BY resource_type",
			func(rows *sql.Rows) error {
				var (
					t string
					n int
				)
				if err := rows.Scan(&t, &n); err != nil {
					return &storage.Error{Op: "scan", Err: err}
				}
				counts[t] = n
				return nil
			})
	})
	return counts, err
}

// Clear drops every pending mutation of resourceType. It is the manual escape
// hatch for a queue that can never drain.
func (q *Queue) Clear(ctx context.Context, resourceType string) (int64, error) {
	var n int64
	err := q.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.Exec(ctx, "DELETE FROM mutations WHERE resource_type = ?", resourceType)
		return err
	})
	return n, err
}

// Recover returns mutations left replaying by an interrupted process to the
// queued state. Call it once at startup, before any reconcile pass.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.Exec(ctx, "UPDATE mutations SET state = ? WHERE state = ?", string(StateQueued), string(StateReplaying))
		return err
	})
	return n, err
}

// RemoveTx deletes a mutation inside tx.
func RemoveTx(ctx context.Context, tx *storage.Tx, id string) error {
	_, err := tx.Exec(ctx, "DELETE FROM mutations WHERE id = ?", id)
	return err
}

// MarkReplayingTx flags a mutation as in flight so enqueue never coalesces
// into it.
func MarkReplayingTx(ctx context.Context, tx *storage.Tx, id string) error {
	_, err := tx.Exec(ctx, "UPDATE mutations SET state = ? WHERE id = ?", string(StateReplaying), id)
	return err
}

// UpdatePayloadTx rewrites the payload of a mutation.
func UpdatePayloadTx(ctx context.Context, tx *storage.Tx, id string, env Envelope) error {
	payload, err := encode(env)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = tx.Exec(ctx, "UPDATE mutations SET payload = ? WHERE id = ?", string(payload), id)
	return err
}

// RetargetTx sets the remote identifier on queued mutations of a record that
// were enqueued before the server assigned one.
func RetargetTx(ctx context.Context, tx *storage.Tx, resourceType, localRef, remoteID string) (int64, error) {
	return tx.Exec(ctx,
		"UPDATE mutations SET remote_id = ? WHERE resource_type = ? AND local_ref = ? AND remote_id = ''",
		remoteID, resourceType, localRef)
}

// RecordFailureTx returns a mutation to the queued state with one more attempt
// recorded. With deadLetter set the mutation is moved to the dead-letter table
// instead.
func RecordFailureTx(ctx context.Context, tx *storage.Tx, id, reason string, deadLetter bool, now time.Time) error {
	if _, err := tx.Exec(ctx,
		"UPDATE mutations SET state = ?, attempts = attempts + 1, last_error = ? WHERE id = ?",
		string(StateQueued), reason, id); err != nil {
		return err
	}
	if !deadLetter {
		return nil
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO dead_letters ("+mutationColumnsNoState+", failed_at) SELECT "+mutationColumnsNoState+", ? FROM mutations WHERE id = ?",
		now.UnixNano(), id); err != nil {
		return err
	}
	return RemoveTx(ctx, tx, id)
}

// NextTx returns the first mutation of resourceType enqueued after afterSeq,
// or nil when there is none.
func NextTx(ctx context.Context, tx *storage.Tx, resourceType string, afterSeq int64) (*Mutation, error) {
	out, err := selectMutations(ctx, tx,
		"WHERE resource_type = ? AND seq > ? ORDER BY seq LIMIT 1", resourceType, afterSeq)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// ForRefTx returns the mutations of one record in enqueue order.
func ForRefTx(ctx context.Context, tx *storage.Tx, resourceType, localRef string) ([]*Mutation, error) {
	return selectMutations(ctx, tx,
		"WHERE resource_type = ? AND local_ref = ? ORDER BY seq", resourceType, localRef)
}

func selectMutations(ctx context.Context, tx *storage.Tx, where string, args ...any) ([]*Mutation, error) {
	var out []*Mutation
	query := "SELECT " + mutationColumns + " FROM mutations " + where
	err := tx.Query(ctx, query, func(rows *sql.Rows) error {
		m, err := scanMutation(rows)
		if err != nil {
			return err
		}
		out = append(out, m)
		return nil
	}, args...)
	return out, err
}

func scanMutation(rows *sql.Rows) (*Mutation, error) {
	var (
		m          Mutation
		kind       string
		payload    string
		enqueuedAt int64
		state      string
	)
	if err := rows.Scan(&m.ID, &m.Seq, &kind, &m.ResourceType, &m.LocalRef, &m.RemoteID, &payload, &enqueuedAt, &m.Attempts, &m.LastError, &state); err != nil {
		return nil, &storage.Error{Op: "scan", Err: err}
	}
	m.Kind = Kind(kind)
	m.Payload = json.RawMessage(payload)
	m.EnqueuedAt = time.Unix(0, enqueuedAt)
	m.State = State(state)
	return &m, nil
}
