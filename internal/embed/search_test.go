package embed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/store"
	"github.com/pgvector/pgvector-go"
)

type fakeSearchStore struct {
	results []store.SearchResult
}

func (f *fakeSearchStore) SearchByEmbedding(_ context.Context, _, _ string, _ pgvector.Vector, _ int, _ string, _ bool) ([]store.SearchResult, error) {
	return f.results, nil
}

func TestSearchWithoutEmbedderReturnsNote(t *testing.T) {
	s := &Searcher{Store: &fakeSearchStore{}}
	resp, err := s.Search(context.Background(), SearchRequest{TenantID: "t1", Agent: "a1", Query: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Note == "" || len(resp.Results) != 0 {
		t.Fatalf("expected a degraded note response, got %+v", resp)
	}
}

func TestSearchFiltersByAnyTag(t *testing.T) {
	fs := &fakeSearchStore{results: []store.SearchResult{
		{Path: "/a", Value: json.RawMessage(`{}`), Tags: []string{"red"}},
		{Path: "/b", Value: json.RawMessage(`{}`), Tags: []string{"blue"}},
		{Path: "/c", Value: json.RawMessage(`{}`), Tags: []string{"red", "blue"}},
	}}
	s := &Searcher{Store: fs, Embedder: &fakeEmbedder{vec: []float32{0.1}}}

	resp, err := s.Search(context.Background(), SearchRequest{
		TenantID: "t1", Agent: "a1", Query: "q", TagsAny: []string{"blue"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results tagged blue, got %d", len(resp.Results))
	}
}

func TestSearchPropagatesEmbedderError(t *testing.T) {
	s := &Searcher{Store: &fakeSearchStore{}, Embedder: &fakeEmbedder{err: &ErrUpstream{Status: 500}}}
	_, err := s.Search(context.Background(), SearchRequest{TenantID: "t1", Agent: "a1", Query: "q"})
	if err == nil {
		t.Fatal("expected an error when the embedder fails")
	}
}

type fakeSearchQuotaStore struct {
	totals map[store.QuotaCounter]int64
}

func (f *fakeSearchQuotaStore) IncrementQuota(_ context.Context, _ string, counter store.QuotaCounter, delta int64) (int64, error) {
	if f.totals == nil {
		f.totals = make(map[store.QuotaCounter]int64)
	}
	f.totals[counter] += delta
	return f.totals[counter], nil
}

func TestSearchDeniedWhenSearchQuotaExceeded(t *testing.T) {
	qs := &fakeSearchQuotaStore{}
	s := &Searcher{
		Store:    &fakeSearchStore{},
		Embedder: &fakeEmbedder{vec: []float32{0.1}},
		Quota:    quota.New(qs, quota.Limits{SearchesPerDay: 1}),
	}

	if _, err := s.Search(context.Background(), SearchRequest{TenantID: "t1", Agent: "a1", Query: "q"}); err != nil {
		t.Fatalf("first search unexpectedly denied: %v", err)
	}
	if _, err := s.Search(context.Background(), SearchRequest{TenantID: "t1", Agent: "a1", Query: "q"}); err == nil {
		t.Fatal("expected second search to be denied by the search quota")
	}
}

func TestSearchSkipsEmbedderWhenQuotaExceeded(t *testing.T) {
	qs := &fakeSearchQuotaStore{totals: map[store.QuotaCounter]int64{store.QuotaSearches: 5}}
	embedder := &fakeEmbedder{vec: []float32{0.1}}
	s := &Searcher{
		Store:    &fakeSearchStore{},
		Embedder: embedder,
		Quota:    quota.New(qs, quota.Limits{SearchesPerDay: 1}),
	}

	if _, err := s.Search(context.Background(), SearchRequest{TenantID: "t1", Agent: "a1", Query: "q"}); err == nil {
		t.Fatal("expected search to be denied before the embedder is ever called")
	}
	if embedder.calls != 0 {
		t.Fatalf("expected the embedder not to be called, got %d calls", embedder.calls)
	}
}
