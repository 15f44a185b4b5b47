package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the single-writer, multi-reader storage engine. One *sql.DB
// backs one storage directory; SetMaxOpenConns(1) keeps the single-writer
// discipline SQLite expects, and the schema is applied on construction.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures Open.
type Option func(*Store)

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if absent) the embedded database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// nowMs returns the current wall clock in epoch milliseconds. Exposed as a
// var so tests can deterministically freeze it.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// withTx runs fn inside a single transaction; every mutating operation
// goes through here. A non-nil error rolls all partial work back together
// with its error return.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ensureWorkspaceTx inserts the workspace row if missing.
func ensureWorkspaceTx(ctx context.Context, tx *sql.Tx, workspace string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces(workspace, created_at_ms) VALUES (?, ?)
		 ON CONFLICT(workspace) DO NOTHING`, workspace, now)
	return err
}

// EnsureWorkspace is the public ensure_workspace operation.
func (s *Store) EnsureWorkspace(ctx context.Context, workspace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return ensureWorkspaceTx(ctx, tx, workspace, nowMs())
	})
}

// nextSeqTx allocates the next workspace-wide monotonic sequence number.
func nextSeqTx(ctx context.Context, tx *sql.Tx, workspace string) (int64, error) {
	return nextCounterTx(ctx, tx, workspace, "seq")
}

// emitEventTx inserts an audit row and returns its seq.
// Called by state-changing operations in tasks.go, steps.go, ops.go,
// merge.go, branch.go, jobs.go, and anchors.go.
func emitEventTx(ctx context.Context, tx *sql.Tx, workspace, taskID, path, eventType, payloadJSON string, now int64) (int64, error) {
	seq, err := nextSeqTx(ctx, tx, workspace)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(seq, workspace, ts_ms, task_id, path, event_type, payload_json) VALUES (?,?,?,?,?,?,?)`,
		seq, workspace, now, nullableText(taskID), nullableText(path), eventType, nullableText(payloadJSON))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return seq, nil
}

// nextCounterTx increments and returns a named per-workspace counter.
func nextCounterTx(ctx context.Context, tx *sql.Tx, workspace, name string) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO counters(workspace, name, value) VALUES (?, ?, 1)
		 ON CONFLICT(workspace, name) DO UPDATE SET value = value + 1`,
		workspace, name)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	var v int64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE workspace = ? AND name = ?`, workspace, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}
