package embed

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/store"
	"github.com/agentos/agentos/internal/telemetry"
	"github.com/pgvector/pgvector-go"
)

// IdleSleep is how long the worker waits before re-polling after finding no
// claimable job.
const IdleSleep = 1 * time.Second

// MaxBackoff caps the exponential retry backoff at 32s.
const MaxBackoff = 32 * time.Second

// Store is the subset of internal/store's API the worker needs.
type Store interface {
	ClaimJob(ctx context.Context) (*store.EmbeddingJob, error)
	LoadVersionForEmbedding(ctx context.Context, versionID string) (*store.EntryVersion, error)
	UpsertEmbedding(ctx context.Context, e store.Embedding) error
	MarkJobSucceeded(ctx context.Context, versionID string) error
	MarkJobRetry(ctx context.Context, versionID string, attempts int, lastError string) error
}

// Worker runs the claim-and-process loop: claim one queued embedding job,
// load its version, embed it, and upsert the result, retrying transient
// failures with backoff.
type Worker struct {
	Store    Store
	Embedder Embedder
	Quota    *quota.Service
	Model    string
	Logger   *slog.Logger
}

// Iteration reports what a single RunOnce call did, so Run can pick the
// right inter-iteration sleep.
type Iteration struct {
	Claimed  bool
	Outcome  string // "succeeded", "retry", "failed", "error", or "" when Claimed is false
	Attempts int
}

// RunOnce claims and processes exactly one job, returning Claimed=false when
// nothing was claimable. Used both by Run's loop and directly by tests.
func (w *Worker) RunOnce(ctx context.Context) (Iteration, error) {
	job, err := w.Store.ClaimJob(ctx)
	if err == store.ErrNotFound {
		return Iteration{}, nil
	}
	if err != nil {
		return Iteration{}, err
	}

	start := time.Now()
	outcome := w.process(ctx, job)
	telemetry.EmbeddingJobDuration.Observe(time.Since(start).Seconds())
	telemetry.EmbeddingJobsTotal.WithLabelValues(outcome).Inc()
	return Iteration{Claimed: true, Outcome: outcome, Attempts: job.Attempts}, nil
}

func (w *Worker) process(ctx context.Context, job *store.EmbeddingJob) (outcome string) {
	version, err := w.Store.LoadVersionForEmbedding(ctx, job.VersionID)
	if err != nil {
		w.fail(ctx, job, "version not found")
		return "failed"
	}

	text := BuildText(version.Path, version.Value, version.Tags)

	if w.Embedder == nil {
		w.retry(ctx, job, "no embeddings provider configured")
		return "retry"
	}

	embedCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	vec, err := w.Embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		w.Logger.Warn("embedding call failed", "version_id", job.VersionID, "attempts", job.Attempts)
		w.retry(ctx, job, "embedding provider call failed")
		return "retry"
	}
	if len(vec) == 0 {
		w.retry(ctx, job, "embedding provider returned empty vector")
		return "retry"
	}

	if w.Quota != nil {
		if _, err := w.Quota.RecordEmbedTokens(ctx, job.TenantID, ApproxTokens(text)); err != nil {
			w.Logger.Error("recording embed token quota failed", "error", err)
		}
	}

	err = w.Store.UpsertEmbedding(ctx, store.Embedding{
		VersionID: version.ID,
		TenantID:  version.TenantID,
		Agent:     version.Agent,
		Path:      version.Path,
		Model:     w.Model,
		Vector:    pgvector.NewVector(vec),
	})
	if err != nil {
		w.Logger.Error("upserting embedding row failed", "error", err)
		w.retry(ctx, job, "storing embedding failed")
		return "retry"
	}

	if err := w.Store.MarkJobSucceeded(ctx, job.VersionID); err != nil {
		w.Logger.Error("marking job succeeded failed", "error", err)
		return "error"
	}
	return "succeeded"
}

func (w *Worker) retry(ctx context.Context, job *store.EmbeddingJob, reason string) {
	if err := w.Store.MarkJobRetry(ctx, job.VersionID, job.Attempts, reason); err != nil {
		w.Logger.Error("marking job for retry failed", "error", err)
	}
}

// fail marks job terminally failed without a further retry attempt. Used
// when the underlying version no longer exists: retrying can never succeed
// once there's nothing left to load.
func (w *Worker) fail(ctx context.Context, job *store.EmbeddingJob, reason string) {
	if err := w.Store.MarkJobRetry(ctx, job.VersionID, store.MaxJobAttempts, reason); err != nil {
		w.Logger.Error("marking job failed failed", "error", err)
	}
}

// Backoff returns the sleep duration before a worker's next poll after a
// retried job at the given attempt count: min(2^attempts seconds, 32s).
func Backoff(attempts int) time.Duration {
	secs := math.Pow(2, float64(attempts))
	d := time.Duration(secs) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Run loops indefinitely, claiming and processing jobs until ctx is
// canceled. It sleeps IdleSleep when no job was claimable, and Backoff(job's
// attempt count, including the attempt just made) after a retried job, so a tenant whose jobs keep failing
// doesn't spin the worker hot.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		iter, err := w.RunOnce(ctx)
		if err != nil {
			w.Logger.Error("embedding worker iteration failed", "error", err)
			sleep(ctx, IdleSleep)
			continue
		}

		switch {
		case !iter.Claimed:
			sleep(ctx, IdleSleep)
		case iter.Outcome == "retry":
			sleep(ctx, Backoff(iter.Attempts))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
