package embed

import (
	"context"
	"fmt"
	"slices"

	"github.com/agentos/agentos/internal/pathglob"
	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/store"
	"github.com/pgvector/pgvector-go"
)

// SearchStore is the subset of internal/store's API the search path needs.
type SearchStore interface {
	SearchByEmbedding(ctx context.Context, tenantID, agent string, queryVec pgvector.Vector, limit int, likeEscapedPrefix string, hasPrefix bool) ([]store.SearchResult, error)
}

// SearchRequest carries the validated SEARCH input.
type SearchRequest struct {
	TenantID   string
	Agent      string
	Query      string
	Limit      int
	PathPrefix string
	TagsAny    []string
}

// SearchResponse is what the SEARCH handler serializes back to the client.
type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
	Note    string               `json:"note,omitempty"`
}

// Searcher computes a query embedding and ranks stored versions by cosine
// distance to it, then applies a post-filter on tags_any.
type Searcher struct {
	Store    SearchStore
	Embedder Embedder       // nil when no embeddings provider is configured
	Quota    *quota.Service // nil when quotas are unconfigured
	Model    string
}

// Search ranks stored versions by cosine distance to the embedded query,
// then applies a post-filter on tags_any. The search-quota counter is
// incremented up front, before the query is even embedded, so a denied
// search never reaches the embeddings provider. When no embedder is
// configured, returns a degraded {results: [], note: "..."} response rather
// than an error, since SEARCH without an embedder is a valid (if useless)
// state.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if s.Quota != nil {
		if err := s.Quota.CheckSearch(ctx, req.TenantID); err != nil {
			return SearchResponse{}, err
		}
	}

	if s.Embedder == nil {
		return SearchResponse{Results: []store.SearchResult{}, Note: "semantic search is not configured for this deployment"}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	vec, err := s.Embedder.Embed(embedCtx, req.Query)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("embedding search query: %w", err)
	}

	var likePrefix string
	hasPrefix := req.PathPrefix != ""
	if hasPrefix {
		likePrefix = pathglob.EscapeLikeLiteral(req.PathPrefix)
	}

	results, err := s.Store.SearchByEmbedding(ctx, req.TenantID, req.Agent, pgvector.NewVector(vec), req.Limit, likePrefix, hasPrefix)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("ranking search results: %w", err)
	}

	if len(req.TagsAny) > 0 {
		results = filterByAnyTag(results, req.TagsAny)
	}
	if results == nil {
		results = []store.SearchResult{}
	}

	return SearchResponse{Results: results}, nil
}

func filterByAnyTag(results []store.SearchResult, tagsAny []string) []store.SearchResult {
	filtered := make([]store.SearchResult, 0, len(results))
	for _, r := range results {
		for _, t := range r.Tags {
			if slices.Contains(tagsAny, t) {
				filtered = append(filtered, r)
				break
			}
		}
	}
	return filtered
}
