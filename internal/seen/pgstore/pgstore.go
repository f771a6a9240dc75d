// Package pgstore provides a PostgreSQL implementation of seen.Store.
package pgstore

import (
	_ "embed"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/seen/pgstore")

//go:embed schema.sql
var schema string

// Store persists seen identities in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned
// by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the Store. The pool is closed by its owner.
func (s *Store) Close() error { return nil }

// HasSeen reports whether the identity has been marked.
func (s *Store) HasSeen(ctx context.Context, identity string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.HasSeen", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var seen bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM seen_entries WHERE identity = $1)", identity).Scan(&seen)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("has seen: %w", err)
	}
	return seen, nil
}

// MarkSeen durably records the identity. Conflicts are ignored so marking
// an already-seen identity preserves its original first_seen_at.
func (s *Store) MarkSeen(ctx context.Context, identity string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkSeen", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		"INSERT INTO seen_entries (identity, first_seen_at) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING",
		identity, at.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Prune removes records first seen before the horizon.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Prune", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM seen_entries WHERE first_seen_at < $1", olderThan.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
