// Package storage provides the transactional local store that backs both the
// entry cache and the mutation queue.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrStorage marks every error produced by a failed local transaction.
var ErrStorage = errors.New("storage failure")

// Error wraps a driver error raised while running a transaction.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrStorage so callers can classify without a type assertion.
func (e *Error) Is(target error) bool { return target == ErrStorage }

// DB is an explicitly constructed storage handle. It is safe for concurrent use.
type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; a single connection also keeps
		// ":memory:" databases shared across calls.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{sql: conn, driver: driver}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Driver returns the database/sql driver name.
func (db *DB) Driver() string { return db.driver }

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(SchemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return &Error{Op: "migrate", Err: err}
		}
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return db.run(ctx, &sql.TxOptions{ReadOnly: db.driver == DriverPostgres}, fn)
}

// Update runs fn inside a read-write transaction. The transaction commits only
// if fn returns nil; any error rolls back every write made by fn.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return db.run(ctx, nil, fn)
}

func (db *DB) run(ctx context.Context, opts *sql.TxOptions, fn func(tx *Tx) error) error {
	sqlTx, err := db.sql.BeginTx(ctx, opts)
	if err != nil {
		return &Error{Op: "begin", Err: err}
	}
	tx := &Tx{tx: sqlTx, driver: db.driver}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &Error{Op: "commit", Err: err}
	}
	return nil
}

// Tx is a scoped transaction handed to View and Update callbacks. Queries use
// "?" placeholders regardless of driver.
type Tx struct {
	tx     *sql.Tx
	driver string
}

// Exec runs a statement and returns the number of affected rows.
func (tx *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, tx.rebind(query), args...)
	if err != nil {
		return 0, &Error{Op: "exec", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &Error{Op: "exec", Err: err}
	}
	return n, nil
}

// Query runs a query and calls scan once per row.
func (tx *Tx) Query(ctx context.Context, query string, scan func(rows *sql.Rows) error, args ...any) error {
	rows, err := tx.tx.QueryContext(ctx, tx.rebind(query), args...)
	if err != nil {
		return &Error{Op: "query", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &Error{Op: "query", Err: err}
	}
	return nil
}

// QueryRow runs a query expected to return at most one row. It returns
// sql.ErrNoRows unwrapped when nothing matches.
func (tx *Tx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	err := tx.tx.QueryRowContext(ctx, tx.rebind(query), args...).Scan(dest...)
	if err == sql.ErrNoRows {
		return err
	}
	if err != nil {
		return &Error{Op: "query", Err: err}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (tx *Tx) rebind(query string) string {
	if tx.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeLike escapes s for use as a LIKE prefix with ESCAPE '\'.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
