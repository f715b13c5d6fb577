package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// MaxJobAttempts is the number of attempts before an embedding job becomes
// terminally failed.
const MaxJobAttempts = 5

// EnqueueJob inserts a queued embedding_jobs row for versionID. Used both
// when inline embedding is skipped (no embedder configured) and as the
// fallback path when inline embedding fails at PUT time.
func (s *Store) EnqueueJob(ctx context.Context, tenantID, versionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embedding_jobs (version_id, tenant_id, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, 0, '', $4, $4)
		ON CONFLICT (version_id) DO NOTHING
	`, versionID, tenantID, JobStatusQueued, now())
	if err != nil {
		return fmt.Errorf("enqueuing embedding job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the oldest queued, unexhausted job and flips it
// to running, incrementing attempts. It relies on SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent workers never claim the same row. Returns
// ErrNotFound when there is nothing claimable.
func (s *Store) ClaimJob(ctx context.Context) (*EmbeddingJob, error) {
	var job EmbeddingJob

	err := s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT version_id, tenant_id, status, attempts, last_error, created_at, updated_at
			FROM embedding_jobs
			WHERE status = $1 AND attempts < $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, JobStatusQueued, MaxJobAttempts)

		err := row.Scan(&job.VersionID, &job.TenantID, &job.Status, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("selecting claimable job: %w", err)
		}

		job.Status = JobStatusRunning
		job.Attempts++
		job.UpdatedAt = now()

		_, err = tx.Exec(ctx, `
			UPDATE embedding_jobs
			SET status = $1, attempts = $2, updated_at = $3
			WHERE version_id = $4
		`, job.Status, job.Attempts, job.UpdatedAt, job.VersionID)
		if err != nil {
			return fmt.Errorf("marking job running: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkJobSucceeded transitions a job to succeeded/done and clears last_error.
func (s *Store) MarkJobSucceeded(ctx context.Context, versionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = $1, last_error = '', updated_at = $2
		WHERE version_id = $3
	`, JobStatusSucceeded, now(), versionID)
	if err != nil {
		return fmt.Errorf("marking job succeeded: %w", err)
	}
	return nil
}

// MarkJobRetry records a short last_error and returns the job to queued so
// it can be claimed again, unless attempts have reached MaxJobAttempts, in
// which case it is marked terminally failed.
func (s *Store) MarkJobRetry(ctx context.Context, versionID string, attempts int, lastError string) error {
	status := JobStatusQueued
	if attempts >= MaxJobAttempts {
		status = JobStatusFailed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = $1, last_error = $2, updated_at = $3
		WHERE version_id = $4
	`, status, lastError, now(), versionID)
	if err != nil {
		return fmt.Errorf("marking job for retry: %w", err)
	}
	return nil
}

// RequeueJobs resets up to limit rows matching status back to queued,
// clearing attempts so they are eligible for claiming again. Used by the
// admin requeue operation.
func (s *Store) RequeueJobs(ctx context.Context, status string, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs
		SET status = $1, attempts = 0, last_error = '', updated_at = $2
		WHERE version_id IN (
			SELECT version_id FROM embedding_jobs WHERE status = $3 ORDER BY updated_at ASC LIMIT $4
		)
	`, JobStatusQueued, now(), status, limit)
	if err != nil {
		return 0, fmt.Errorf("requeuing jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LoadVersionForEmbedding loads the value/tags payload a worker needs to
// build embedding text for versionID.
func (s *Store) LoadVersionForEmbedding(ctx context.Context, versionID string) (*EntryVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, agent, path, value, tags, importance, searchable, content_hash, created_at, expires_at, deleted_at
		FROM entry_versions
		WHERE id = $1
	`, versionID)

	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading version for embedding: %w", err)
	}
	return v, nil
}

// UpsertEmbedding replaces any existing embedding row for e.VersionID.
func (s *Store) UpsertEmbedding(ctx context.Context, e Embedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (version_id, tenant_id, agent, path, model, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (version_id)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id, agent = EXCLUDED.agent,
		              path = EXCLUDED.path, model = EXCLUDED.model, embedding = EXCLUDED.embedding
	`, e.VersionID, e.TenantID, e.Agent, e.Path, e.Model, e.Vector)
	if err != nil {
		return fmt.Errorf("upserting embedding: %w", err)
	}
	return nil
}

// SearchByEmbedding ranks visible latest versions for (tenant, agent) by
// cosine distance to queryVec, optionally restricted to paths matching a
// LIKE-escaped prefix, ordered nearest-first and capped at limit.
func (s *Store) SearchByEmbedding(ctx context.Context, tenantID, agent string, queryVec pgvector.Vector, limit int, likeEscapedPrefix string, hasPrefix bool) ([]SearchResult, error) {
	prefixClause := ""
	args := []any{tenantID, agent, queryVec, now()}
	if hasPrefix {
		prefixClause = "AND v.path LIKE $5 || '%' ESCAPE '\\'"
		args = append(args, likeEscapedPrefix)
	}
	args = append(args, limit)
	limitParam := fmt.Sprintf("$%d", len(args))

	sql := fmt.Sprintf(`
		SELECT v.path, v.value, v.tags, 1 - (em.embedding <=> $3) AS similarity, v.id, v.created_at
		FROM embeddings em
		JOIN entries e ON e.tenant_id = em.tenant_id AND e.agent = em.agent AND e.path = em.path
		JOIN entry_versions v ON v.id = e.latest_version_id AND v.id = em.version_id
		WHERE em.tenant_id = $1 AND em.agent = $2
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > $4)
		  %s
		ORDER BY em.embedding <=> $3 ASC
		LIMIT %s
	`, prefixClause, limitParam)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Value, &r.Tags, &r.Similarity, &r.VersionID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
