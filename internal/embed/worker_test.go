package embed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"io"
	"strings"
	"testing"

	"github.com/agentos/agentos/internal/store"
)

type fakeWorkerStore struct {
	job           *store.EmbeddingJob
	version       *store.EntryVersion
	upserted      *store.Embedding
	succeededID   string
	retriedID     string
	retryReason   string
	retryAttempts int
}

func (f *fakeWorkerStore) ClaimJob(_ context.Context) (*store.EmbeddingJob, error) {
	if f.job == nil {
		return nil, store.ErrNotFound
	}
	j := *f.job
	f.job = nil
	return &j, nil
}

func (f *fakeWorkerStore) LoadVersionForEmbedding(_ context.Context, versionID string) (*store.EntryVersion, error) {
	if f.version == nil || f.version.ID != versionID {
		return nil, store.ErrNotFound
	}
	return f.version, nil
}

func (f *fakeWorkerStore) UpsertEmbedding(_ context.Context, e store.Embedding) error {
	f.upserted = &e
	return nil
}

func (f *fakeWorkerStore) MarkJobSucceeded(_ context.Context, versionID string) error {
	f.succeededID = versionID
	return nil
}

func (f *fakeWorkerStore) MarkJobRetry(_ context.Context, versionID string, attempts int, lastError string) error {
	f.retriedID = versionID
	f.retryReason = lastError
	f.retryAttempts = attempts
	return nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerRunOnceSucceeds(t *testing.T) {
	fs := &fakeWorkerStore{
		job:     &store.EmbeddingJob{VersionID: "v1", TenantID: "t1", Attempts: 1},
		version: &store.EntryVersion{ID: "v1", TenantID: "t1", Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)},
	}
	w := &Worker{
		Store:    fs,
		Embedder: &fakeEmbedder{vec: []float32{0.1, 0.2}},
		Model:    "test-model",
		Logger:   discardLogger(),
	}

	iter, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !iter.Claimed || iter.Outcome != "succeeded" {
		t.Fatalf("expected a succeeded iteration, got %+v", iter)
	}
	if fs.succeededID != "v1" {
		t.Fatal("expected job to be marked succeeded")
	}
	if fs.upserted == nil {
		t.Fatal("expected an embedding row to be upserted")
	}
}

func TestWorkerRunOnceRetriesOnEmbedFailure(t *testing.T) {
	fs := &fakeWorkerStore{
		job:     &store.EmbeddingJob{VersionID: "v1", TenantID: "t1", Attempts: 1},
		version: &store.EntryVersion{ID: "v1", TenantID: "t1", Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)},
	}
	w := &Worker{
		Store:    fs,
		Embedder: &fakeEmbedder{err: errors.New("provider down")},
		Logger:   discardLogger(),
	}

	iter, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iter.Outcome != "retry" {
		t.Fatalf("expected a retry outcome, got %+v", iter)
	}
	if fs.retriedID != "v1" {
		t.Fatal("expected job to be marked for retry")
	}
	if strings.Contains(fs.retryReason, "provider down") {
		t.Fatalf("last_error must not carry the provider's error text, got %q", fs.retryReason)
	}
}

func TestWorkerRunOnceFailsImmediatelyWhenVersionMissing(t *testing.T) {
	fs := &fakeWorkerStore{
		job: &store.EmbeddingJob{VersionID: "v1", TenantID: "t1", Attempts: 1},
	}
	w := &Worker{
		Store:    fs,
		Embedder: &fakeEmbedder{vec: []float32{0.1}},
		Logger:   discardLogger(),
	}

	iter, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iter.Outcome != "failed" {
		t.Fatalf("expected a failed outcome, got %+v", iter)
	}
	if fs.retriedID != "v1" {
		t.Fatal("expected job to be marked terminally failed")
	}
	if fs.retryAttempts != store.MaxJobAttempts {
		t.Fatalf("expected MarkJobRetry to be called with MaxJobAttempts so the job terminates, got %d", fs.retryAttempts)
	}
}

func TestWorkerRunOnceNothingClaimable(t *testing.T) {
	fs := &fakeWorkerStore{}
	w := &Worker{Store: fs, Embedder: &fakeEmbedder{}, Logger: discardLogger()}

	iter, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iter.Claimed {
		t.Fatal("expected Claimed=false when no job is queued")
	}
}
