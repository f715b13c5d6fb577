package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/store"
	"github.com/google/uuid"
)

// fakeMemStore is a minimal in-memory stand-in for internal/store that
// reproduces the latest-pointer/tombstone semantics the Service relies on,
// keyed by (tenant, agent, path). TTL expiry is applied only by GetLatest.
type fakeMemStore struct {
	versions map[string][]store.EntryVersion // key -> history, newest last
	jobs     []string
	embedded []store.Embedding
}

func newFakeMemStore() *fakeMemStore {
	return &fakeMemStore{versions: make(map[string][]store.EntryVersion)}
}

func (f *fakeMemStore) key(tenantID, agent, path string) string {
	return tenantID + "|" + agent + "|" + path
}

func (f *fakeMemStore) PutVersion(_ context.Context, tenantID, agent, path, versionID string, value json.RawMessage, tags []string, importance float64, searchable bool, contentHash string, expiresAt *time.Time) (time.Time, error) {
	createdAt := time.Now().UTC()
	k := f.key(tenantID, agent, path)
	f.versions[k] = append(f.versions[k], store.EntryVersion{
		ID: versionID, TenantID: tenantID, Agent: agent, Path: path,
		Value: value, Tags: tags, Importance: importance, Searchable: searchable,
		ContentHash: contentHash, CreatedAt: createdAt, ExpiresAt: expiresAt,
	})
	return createdAt, nil
}

func (f *fakeMemStore) DeleteVersion(_ context.Context, tenantID, agent, path, versionID, tombstoneHash string) (time.Time, error) {
	deletedAt := time.Now().UTC()
	k := f.key(tenantID, agent, path)
	f.versions[k] = append(f.versions[k], store.EntryVersion{
		ID: versionID, TenantID: tenantID, Agent: agent, Path: path,
		Value: json.RawMessage(`{}`), ContentHash: tombstoneHash,
		CreatedAt: deletedAt, DeletedAt: &deletedAt,
	})
	return deletedAt, nil
}

func (f *fakeMemStore) latest(tenantID, agent, path string) (*store.EntryVersion, bool) {
	k := f.key(tenantID, agent, path)
	vs := f.versions[k]
	if len(vs) == 0 {
		return nil, false
	}
	return &vs[len(vs)-1], true
}

func (f *fakeMemStore) GetLatest(_ context.Context, tenantID, agent, path string) (*store.EntryVersion, error) {
	v, ok := f.latest(tenantID, agent, path)
	if !ok || v.IsTombstone() || (v.ExpiresAt != nil && v.ExpiresAt.Before(time.Now().UTC())) {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeMemStore) History(_ context.Context, tenantID, agent, path string, limit int) ([]store.EntryVersion, error) {
	k := f.key(tenantID, agent, path)
	vs := f.versions[k]
	out := make([]store.EntryVersion, len(vs))
	copy(out, vs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMemStore) ListChildren(_ context.Context, tenantID, agent, prefix, _ string, cap int) ([]store.ChildEntry, error) {
	base := prefix
	if base != "/" {
		base += "/"
	}
	seen := map[string]struct{}{}
	var out []store.ChildEntry
	for k, vs := range f.versions {
		if !strings.HasPrefix(k, tenantID+"|"+agent+"|") {
			continue
		}
		v := vs[len(vs)-1]
		if v.IsTombstone() {
			continue
		}
		if !strings.HasPrefix(v.Path, base) {
			continue
		}
		suffix := strings.TrimPrefix(v.Path, base)
		childType := "file"
		childPath := base + suffix
		if idx := strings.IndexByte(suffix, '/'); idx >= 0 {
			childType = "dir"
			childPath = base + suffix[:idx]
		}
		if _, ok := seen[childPath]; ok {
			continue
		}
		seen[childPath] = struct{}{}
		out = append(out, store.ChildEntry{Path: childPath, Type: childType})
		if len(out) >= cap {
			break
		}
	}
	return out, nil
}

func (f *fakeMemStore) Glob(_ context.Context, tenantID, agent, _ string, limit int) ([]store.EntryVersion, error) {
	var out []store.EntryVersion
	for k, vs := range f.versions {
		if !strings.HasPrefix(k, tenantID+"|"+agent+"|") {
			continue
		}
		v := vs[len(vs)-1]
		if !v.IsTombstone() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMemStore) Dump(ctx context.Context, tenantID, agent string, limit int) ([]store.EntryVersion, error) {
	return f.Glob(ctx, tenantID, agent, "", limit)
}

func (f *fakeMemStore) Agents(_ context.Context, tenantID string) ([]store.AgentCount, error) {
	counts := map[string]int64{}
	for k, vs := range f.versions {
		if !strings.HasPrefix(k, tenantID+"|") {
			continue
		}
		v := vs[len(vs)-1]
		if v.IsTombstone() {
			continue
		}
		counts[v.Agent]++
	}
	var out []store.AgentCount
	for a, c := range counts {
		out = append(out, store.AgentCount{Agent: a, MemoryCount: c})
	}
	return out, nil
}

func (f *fakeMemStore) EnqueueJob(_ context.Context, _, versionID string) error {
	f.jobs = append(f.jobs, versionID)
	return nil
}

func (f *fakeMemStore) UpsertEmbedding(_ context.Context, e store.Embedding) error {
	f.embedded = append(f.embedded, e)
	return nil
}

func TestPutThenGetReturnsLatestValue(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x/y", Value: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	res2, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x/y", Value: json.RawMessage(`{"n":2}`)})
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	got, err := svc.Get(ctx, "t1", "a1", "/x/y")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.Found || got.VersionID != res2.VersionID {
		t.Fatalf("expected latest version %s, got %+v", res2.VersionID, got)
	}
	if string(got.Value) != `{"n":2}` {
		t.Fatalf("expected latest value, got %s", got.Value)
	}
}

func TestTenantIsolation(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/secret", Value: json.RawMessage(`{"s":1}`)})

	got, err := svc.Get(ctx, "t2", "a1", "/secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Found {
		t.Fatal("expected a different tenant to never see t1's data")
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)})
	if _, err := svc.Delete(ctx, "t1", "a1", "/x"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, err := svc.Get(ctx, "t1", "a1", "/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Found {
		t.Fatal("expected tombstoned path to be not found")
	}

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{"r":1}`)}); err != nil {
		t.Fatalf("resurrecting put failed: %v", err)
	}
	got2, _ := svc.Get(ctx, "t1", "a1", "/x")
	if !got2.Found {
		t.Fatal("expected a PUT after DELETE to resurrect the path")
	}
}

func TestReservedPathRejectsWrites(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/sys/config", Value: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected writes under /sys to be rejected")
	}
}

func TestListReturnsFilesAndDirs(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/a", Value: json.RawMessage(`{}`)})
	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/b", Value: json.RawMessage(`{}`)})
	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/sub/c", Value: json.RawMessage(`{}`)})

	result, err := svc.List(ctx, "t1", "a1", "/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	byPath := map[string]string{}
	for _, item := range result.Items {
		byPath[item.Path] = item.Type
	}
	if byPath["/a"] != "file" || byPath["/b"] != "file" || byPath["/sub"] != "dir" {
		t.Fatalf("unexpected list result: %+v", result.Items)
	}
}

func TestHistoryIncludesTombstones(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{"n":1}`)})
	_, _ = svc.Delete(ctx, "t1", "a1", "/x")

	hist, err := svc.History(ctx, "t1", "a1", "/x", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist.Versions) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist.Versions))
	}
}

func TestDumpCacheHitsOnSecondCall(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)})

	_, hit1, err := svc.Dump(ctx, "t1", "a1", 0)
	if err != nil {
		t.Fatalf("first dump failed: %v", err)
	}
	if hit1 {
		t.Fatal("expected a miss on first dump")
	}

	_, hit2, err := svc.Dump(ctx, "t1", "a1", 0)
	if err != nil {
		t.Fatalf("second dump failed: %v", err)
	}
	if !hit2 {
		t.Fatal("expected a cache hit on second dump with identical key")
	}
}

func TestDumpCacheInvalidatedByPut(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)})
	_, _, _ = svc.Dump(ctx, "t1", "a1", 0)

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/y", Value: json.RawMessage(`{}`)})

	result, hit, err := svc.Dump(ctx, "t1", "a1", 0)
	if err != nil {
		t.Fatalf("dump after invalidation failed: %v", err)
	}
	if hit {
		t.Fatal("expected cache to be invalidated by the intervening PUT")
	}
	if result.Count != 2 {
		t.Fatalf("expected 2 entries after invalidation, got %d", result.Count)
	}
}

func TestAgentsCountsDistinctAgents(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)})
	_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a2", Path: "/y", Value: json.RawMessage(`{}`)})

	result, err := svc.Agents(ctx, "t1")
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	if len(result.Agents) != 2 {
		t.Fatalf("expected 2 distinct agents, got %d", len(result.Agents))
	}
}

func TestPutWithSearchableFallsBackToQueueWithoutEmbedder(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`), Searchable: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if len(fs.jobs) != 1 {
		t.Fatalf("expected 1 enqueued embedding job, got %d", len(fs.jobs))
	}
}

func TestPutWithSearchableEmbedsInlineWhenEmbedderConfigured(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, &alwaysEmbedder{}, "test-model", nil)
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`), Searchable: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if len(fs.embedded) != 1 {
		t.Fatalf("expected 1 inline embedding, got %d", len(fs.embedded))
	}
	if len(fs.jobs) != 0 {
		t.Fatalf("expected no fallback job when inline embedding succeeds, got %d", len(fs.jobs))
	}
}

type alwaysEmbedder struct{}

func (alwaysEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeQuotaStore struct {
	totals map[store.QuotaCounter]int64
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{totals: make(map[store.QuotaCounter]int64)}
}

func (f *fakeQuotaStore) IncrementQuota(_ context.Context, _ string, counter store.QuotaCounter, delta int64) (int64, error) {
	f.totals[counter] += delta
	return f.totals[counter], nil
}

func TestPutDeniedWhenWriteQuotaExceeded(t *testing.T) {
	fs := newFakeMemStore()
	qs := newFakeQuotaStore()
	svc := New(fs, nil, "", quota.New(qs, quota.Limits{WritesPerDay: 1}))
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("first put unexpectedly denied: %v", err)
	}
	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/y", Value: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected second put to be denied by the write quota")
	}
}

func TestDeleteDeniedWhenWriteQuotaExceeded(t *testing.T) {
	fs := newFakeMemStore()
	qs := newFakeQuotaStore()
	svc := New(fs, nil, "", quota.New(qs, quota.Limits{WritesPerDay: 1}))
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("put unexpectedly denied: %v", err)
	}
	if _, err := svc.Delete(ctx, "t1", "a1", "/x"); err == nil {
		t.Fatal("expected delete to be denied once the write quota is exhausted")
	}
}

func TestPutWithSearchableRecordsEmbedTokensOnInlineEmbed(t *testing.T) {
	fs := newFakeMemStore()
	qs := newFakeQuotaStore()
	svc := New(fs, &alwaysEmbedder{}, "test-model", quota.New(qs, quota.Limits{}))
	ctx := context.Background()

	if _, err := svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/x", Value: json.RawMessage(`{}`), Searchable: true}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if qs.totals[store.QuotaEmbedTokens] == 0 {
		t.Fatal("expected inline embedding to record embed-token usage")
	}
}

func TestGlobCapEnforced(t *testing.T) {
	fs := newFakeMemStore()
	svc := New(fs, nil, "", nil)
	ctx := context.Background()

	for i := 0; i < maxGlobLimit+1; i++ {
		_, _ = svc.Put(ctx, "t1", PutInput{Agent: "a1", Path: "/glob/" + uuid.NewString(), Value: json.RawMessage(`{}`)})
	}

	result, err := svc.Glob(ctx, "t1", "a1", "/glob/*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(result.Paths) != maxGlobLimit {
		t.Fatalf("expected %d paths, got %d", maxGlobLimit, len(result.Paths))
	}
}
