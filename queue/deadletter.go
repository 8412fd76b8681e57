package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dataswift/hatsync/storage"
)

// DeadLetter is a mutation that was given up on after repeated rejections.
type DeadLetter struct {
	*Mutation
	FailedAt time.Time
}

// ErrUnknownDeadLetter is returned by Requeue for an ID not in the
// dead-letter table.
var ErrUnknownDeadLetter = errors.New("dead letter not found")

// DeadLetters lists parked mutations, all types when resourceType is empty.
func (q *Queue) DeadLetters(ctx context.Context, resourceType string) ([]DeadLetter, error) {
	query := "SELECT " + mutationColumnsNoState + ", failed_at FROM dead_letters"
	var args []any
	if resourceType != "" {
		query += " WHERE resource_type = ?"
		args = append(args, resourceType)
	}
	query += " ORDER BY seq"

	var out []DeadLetter
	err := q.db.View(ctx, func(tx *storage.Tx) error {
		return tx.Query(ctx, query, func(rows *sql.Rows) error {
			var (
				m          Mutation
				kind       string
				payload    string
				enqueuedAt int64
				failedAt   int64
			)
			if err := rows.Scan(&m.ID, &m.Seq, &kind, &m.ResourceType, &m.LocalRef, &m.RemoteID,
				&payload, &enqueuedAt, &m.Attempts, &m.LastError, &failedAt); err != nil {
				return &storage.Error{Op: "scan", Err: err}
			}
			m.Kind = Kind(kind)
			m.Payload = []byte(payload)
			m.EnqueuedAt = time.Unix(0, enqueuedAt)
			m.State = StateQueued
			out = append(out, DeadLetter{Mutation: &m, FailedAt: time.Unix(0, failedAt)})
			return nil
		}, args...)
	})
	return out, err
}

// Requeue moves a dead letter back to the tail of the queue with its attempt
// count reset.
func (q *Queue) Requeue(ctx context.Context, id string) (*Mutation, error) {
	var m *Mutation
	err := q.db.Update(ctx, func(tx *storage.Tx) error {
		var (
			kind       string
			payload    string
			enqueuedAt int64
			found      Mutation
		)
		err := tx.QueryRow(ctx,
			"SELECT id, kind, resource_type, local_ref, remote_id, payload, enqueued_at FROM dead_letters WHERE id = ?",
			[]any{id}, &found.ID, &kind, &found.ResourceType, &found.LocalRef, &found.RemoteID, &payload, &enqueuedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownDeadLetter, id)
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM dead_letters WHERE id = ?", id); err != nil {
			return err
		}
		found.Kind = Kind(kind)
		found.Payload = []byte(payload)
		found.EnqueuedAt = time.Unix(0, enqueuedAt)
		if _, err := q.EnqueueTx(ctx, tx, &found); err != nil {
			return err
		}
		m = &found
		return nil
	})
	return m, err
}

// ClearDeadLetters discards parked mutations, all types when resourceType is
// empty.
func (q *Queue) ClearDeadLetters(ctx context.Context, resourceType string) (int64, error) {
	query := "DELETE FROM dead_letters"
	var args []any
	if resourceType != "" {
		query += " WHERE resource_type = ?"
		args = append(args, resourceType)
	}
	var n int64
	err := q.db.Update(ctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.Exec(ctx, query, args...)
		return err
	})
	return n, err
}
