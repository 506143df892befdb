package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	coreerrors "github.com/Mai-with-u/amaidesu/pkg/core/errors"
)

// SQLite persists failure records to SQLite.
// Suitable for single-process production use.
type SQLite struct {
	db     *sql.DB
	retry  coreerrors.RetryConfig
	mu     sync.RWMutex
	closed bool
}

// ErrJournalClosed is returned by operations on a closed journal.
var ErrJournalClosed = fmt.Errorf("journal is closed")

// NewSQLite creates a SQLite-backed journal. The path should be a file
// path (e.g. "./failures.db") or ":memory:" for testing.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS failures (
			id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			event_id TEXT,
			event_name TEXT,
			component TEXT NOT NULL,
			message TEXT NOT NULL,
			payload BLOB,
			occurred_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_failures_component
		ON failures(component)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLite{db: db, retry: coreerrors.DefaultRetry}, nil
}

// Record persists one failure. Writes retry on SQLite lock contention.
func (s *SQLite) Record(ctx context.Context, rec *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrJournalClosed
	}

	stamp(rec)

	result := coreerrors.WithRetryContext(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO failures (id, origin, event_id, event_name, component, message, payload, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, string(rec.Origin), rec.EventID, rec.EventName, rec.Component,
			rec.Message, rec.Payload, rec.OccurredAt.UTC().Format(time.RFC3339Nano))
		return struct{}{}, err
	})
	if result.Err != nil {
		return fmt.Errorf("record failure: %w", result.Err)
	}
	return nil
}

// List returns records matching the filter, newest first.
func (s *SQLite) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrJournalClosed
	}

	query := `
		SELECT id, origin, event_id, event_name, component, message, payload, occurred_at
		FROM failures WHERE 1=1`
	var args []any
	if filter.Origin != "" {
		query += " AND origin = ?"
		args = append(args, string(filter.Origin))
	}
	if filter.Component != "" {
		query += " AND component = ?"
		args = append(args, filter.Component)
	}
	if filter.EventName != "" {
		query += " AND event_name = ?"
		args = append(args, filter.EventName)
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var origin, occurredAt string
		if err := rows.Scan(&rec.ID, &origin, &rec.EventID, &rec.EventName,
			&rec.Component, &rec.Message, &rec.Payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.Origin = Origin(origin)
		rec.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count returns the total number of records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrJournalClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM failures").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

// CountByComponent returns record counts grouped by component.
func (s *SQLite) CountByComponent(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrJournalClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT component, COUNT(*) FROM failures GROUP BY component")
	if err != nil {
		return nil, fmt.Errorf("count by component: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var component string
		var n int
		if err := rows.Scan(&component, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[component] = n
	}
	return counts, rows.Err()
}

// Purge removes records older than the cutoff.
func (s *SQLite) Purge(ctx context.Context, before time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrJournalClosed
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM failures WHERE occurred_at < ?",
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge failures: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
