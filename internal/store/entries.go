package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// PutVersion inserts a new immutable entry_version row and atomically
// upserts the (tenant, agent, path) latest pointer to it, inside one
// transaction so readers never observe a version without its pointer.
func (s *Store) PutVersion(ctx context.Context, tenantID, agent, path, versionID string, value json.RawMessage, tags []string, importance float64, searchable bool, contentHash string, expiresAt *time.Time) (time.Time, error) {
	createdAt := now()

	err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO entry_versions
				(id, tenant_id, agent, path, value, tags, importance, searchable, content_hash, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, versionID, tenantID, agent, path, value, tags, importance, searchable, contentHash, createdAt, expiresAt)
		if err != nil {
			return fmt.Errorf("inserting entry version: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO entries (tenant_id, agent, path, latest_version_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, agent, path)
			DO UPDATE SET latest_version_id = EXCLUDED.latest_version_id
		`, tenantID, agent, path, versionID)
		if err != nil {
			return fmt.Errorf("upserting latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

// DeleteVersion appends a tombstone version (empty value, sentinel content
// hash) and upserts the latest pointer to it.
func (s *Store) DeleteVersion(ctx context.Context, tenantID, agent, path, versionID, tombstoneHash string) (time.Time, error) {
	deletedAt := now()

	err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO entry_versions
				(id, tenant_id, agent, path, value, tags, importance, searchable, content_hash, created_at, deleted_at)
			VALUES ($1, $2, $3, $4, '{}'::jsonb, '{}', 0, false, $5, $6, $6)
		`, versionID, tenantID, agent, path, tombstoneHash, deletedAt)
		if err != nil {
			return fmt.Errorf("inserting tombstone version: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO entries (tenant_id, agent, path, latest_version_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, agent, path)
			DO UPDATE SET latest_version_id = EXCLUDED.latest_version_id
		`, tenantID, agent, path, versionID)
		if err != nil {
			return fmt.Errorf("upserting latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return deletedAt, nil
}

// GetLatest returns the visible latest version for (tenant, agent, path), or
// ErrNotFound if there is no version, the latest is a tombstone, or it has
// expired.
func (s *Store) GetLatest(ctx context.Context, tenantID, agent, path string) (*EntryVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance,
		       v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2 AND e.path = $3
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $4)
	`, tenantID, agent, path, now())

	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest version: %w", err)
	}
	return v, nil
}

// History returns up to limit versions for (tenant, agent, path), newest
// first, including tombstones and expired versions.
func (s *Store) History(ctx context.Context, tenantID, agent, path string, limit int) ([]EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, agent, path, value, tags, importance,
		       searchable, content_hash, created_at, expires_at, deleted_at
		FROM entry_versions
		WHERE tenant_id = $1 AND agent = $2 AND path = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, agent, path, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	return scanVersions(rows)
}

// ListChildren returns the direct children beneath prefix, computed from the
// set of visible latest versions whose path begins with prefix+"/" (or with
// "/" when prefix is the root).
func (s *Store) ListChildren(ctx context.Context, tenantID, agent, prefix, likeEscapedPrefix string, cap int) ([]ChildEntry, error) {
	likePrefix := likeEscapedPrefix + "/"
	if prefix == "/" {
		likePrefix = "/"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT v.path
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.path LIKE $3 || '%' ESCAPE '\'
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $4)
		ORDER BY v.path ASC
	`, tenantID, agent, likePrefix, now())
	if err != nil {
		return nil, fmt.Errorf("querying list children: %w", err)
	}
	defer rows.Close()

	base := prefix
	if base != "/" {
		base += "/"
	} else {
		base = "/"
	}

	seen := make(map[string]struct{})
	children := make([]ChildEntry, 0, cap)

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scanning list row: %w", err)
		}
		suffix := strings.TrimPrefix(path, base)
		if suffix == "" || suffix == path {
			continue
		}
		slash := strings.IndexByte(suffix, '/')
		var childPath, childType string
		if slash < 0 {
			childPath = base + suffix
			childType = "file"
		} else {
			childPath = base + suffix[:slash]
			childType = "dir"
		}
		if _, ok := seen[childPath]; ok {
			continue
		}
		seen[childPath] = struct{}{}
		children = append(children, ChildEntry{Path: childPath, Type: childType})
		if len(children) >= cap {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating list rows: %w", err)
	}
	return children, nil
}

// Glob returns visible latest versions matching a LIKE-translated glob
// pattern, ordered by path, capped at limit.
func (s *Store) Glob(ctx context.Context, tenantID, agent, likePattern string, limit int) ([]EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance,
		       v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.path LIKE $3 ESCAPE '\'
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $4)
		ORDER BY v.path ASC
		LIMIT $5
	`, tenantID, agent, likePattern, now(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying glob: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// Dump returns all visible latest versions for (tenant, agent), newest
// first, capped at limit.
func (s *Store) Dump(ctx context.Context, tenantID, agent string, limit int) ([]EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance,
		       v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $3)
		ORDER BY v.created_at DESC
		LIMIT $4
	`, tenantID, agent, now(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying dump: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// Agents returns distinct agents for the tenant with counts of currently
// visible entries.
func (s *Store) Agents(ctx context.Context, tenantID string) ([]AgentCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.agent, COUNT(*)
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $2)
		GROUP BY e.agent
		ORDER BY e.agent ASC
	`, tenantID, now())
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []AgentCount
	for rows.Next() {
		var a AgentCount
		if err := rows.Scan(&a.Agent, &a.MemoryCount); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (*EntryVersion, error) {
	var v EntryVersion
	err := row.Scan(&v.ID, &v.TenantID, &v.Agent, &v.Path, &v.Value, &v.Tags, &v.Importance,
		&v.Searchable, &v.ContentHash, &v.CreatedAt, &v.ExpiresAt, &v.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanVersions(rows pgx.Rows) ([]EntryVersion, error) {
	var out []EntryVersion
	for rows.Next() {
		var v EntryVersion
		err := rows.Scan(&v.ID, &v.TenantID, &v.Agent, &v.Path, &v.Value, &v.Tags, &v.Importance,
			&v.Searchable, &v.ContentHash, &v.CreatedAt, &v.ExpiresAt, &v.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
