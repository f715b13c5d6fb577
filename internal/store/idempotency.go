package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetIdempotencyEntry looks up (tenant, key). Returns ErrNotFound if absent
// or if the row exists but has expired; an expired row is deleted here
// (best effort) before ErrNotFound is returned.
func (s *Store) GetIdempotencyEntry(ctx context.Context, tenantID, key string) (*IdempotencyEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key, request_hash, legacy_hash, response, status_code, expires_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND key = $2
	`, tenantID, key)

	var e IdempotencyEntry
	err := row.Scan(&e.TenantID, &e.Key, &e.RequestHash, &e.LegacyHash, &e.Response, &e.StatusCode, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying idempotency entry: %w", err)
	}
	if e.ExpiresAt.Before(now()) {
		_ = s.DeleteIdempotencyEntry(ctx, tenantID, key)
		return nil, ErrNotFound
	}
	return &e, nil
}

// InsertIdempotencyEntry records a response for (tenant, key) with a 24h
// expiry. ON CONFLICT DO NOTHING so two concurrent retries racing to insert
// the first response for a key don't clobber each other.
func (s *Store) InsertIdempotencyEntry(ctx context.Context, tenantID, key, requestHash, legacyHash string, response json.RawMessage, statusCode int) error {
	expiresAt := now().Add(24 * time.Hour)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, key, request_hash, legacy_hash, response, status_code, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, key) DO NOTHING
	`, tenantID, key, requestHash, legacyHash, response, statusCode, expiresAt)
	if err != nil {
		return fmt.Errorf("inserting idempotency entry: %w", err)
	}
	return nil
}

// DeleteIdempotencyEntry removes a single (tenant, key) row.
func (s *Store) DeleteIdempotencyEntry(ctx context.Context, tenantID, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2
	`, tenantID, key)
	if err != nil {
		return fmt.Errorf("deleting idempotency entry: %w", err)
	}
	return nil
}

// SweepExpiredIdempotencyEntries deletes all rows past their expiry and
// returns the count removed. Run periodically by a background sweeper.
func (s *Store) SweepExpiredIdempotencyEntries(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= $1
	`, now())
	if err != nil {
		return 0, fmt.Errorf("sweeping idempotency entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
