// Package sqlitestore provides a SQLite-backed implementation of
// seen.Store, the default when no Postgres URL is configured. A single
// file on local disk is durable across restarts and needs no external
// service.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists seen identities in a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens or creates the SQLite database at the given path and applies
// the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// WAL keeps commits durable without blocking the reader side of a pass.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_entries (
		identity TEXT PRIMARY KEY,
		first_seen_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS seen_entries_first_seen_at_idx ON seen_entries(first_seen_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasSeen reports whether the identity has been marked.
func (s *Store) HasSeen(ctx context.Context, identity string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM seen_entries WHERE identity = ?", identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has seen: %w", err)
	}
	return true, nil
}

// MarkSeen durably records the identity. Marking an existing identity is
// a no-op that preserves the original timestamp.
func (s *Store) MarkSeen(ctx context.Context, identity string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO seen_entries (identity, first_seen_at) VALUES (?, ?)",
		identity, formatTime(at))
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Prune removes records first seen before the horizon.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM seen_entries WHERE first_seen_at < ?", formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// formatTime stores timestamps as fixed-width RFC3339 UTC strings so the
// pruning comparison works lexicographically. Second precision is plenty
// for a retention horizon measured in days.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
