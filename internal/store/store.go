// Package store is the relational store adapter: parameterized queries,
// transaction helpers, and vector literal binding over PostgreSQL via pgx.
// Queries over tenant-owned entries, embeddings, idempotency rows and quota
// counters bind tenant as a parameter, and no query ever interpolates a
// tenant identifier into SQL text. The embedding-job queue queries (claim,
// mark, requeue, version load), API-key lookup by id and the idempotency
// expiry sweep are not filtered by tenant.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool with the AgentOS schema's queries.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks and graceful shutdown.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting methods run
// either standalone or inside WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. PUT and DELETE use this to make the version insert
// and latest-pointer upsert appear atomic to readers.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// now is overridable in tests; production always uses wall-clock UTC.
var now = func() time.Time { return time.Now().UTC() }
