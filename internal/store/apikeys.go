package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// CreateAPIKey inserts a new api_keys row.
func (s *Store) CreateAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, secret_hash, scopes, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.TenantID, key.SecretHash, key.Scopes, key.Label, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetAPIKeyByID looks up an api_keys row by its public id, regardless of
// revocation status (callers check RevokedAt themselves so that a revoked
// lookup can still be distinguished from a missing one).
func (s *Store) GetAPIKeyByID(ctx context.Context, id string) (*APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, secret_hash, scopes, label, revoked_at, created_at
		FROM api_keys
		WHERE id = $1
	`, id)

	var k APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.SecretHash, &k.Scopes, &k.Label, &k.RevokedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return &k, nil
}
