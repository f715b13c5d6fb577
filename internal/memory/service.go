// Package memory implements the core path-keyed versioned store semantics
// (component C8): PUT/GET/DELETE/HISTORY/LIST/GLOB/DUMP/AGENTS/SEARCH, with
// tombstones, TTL hiding, and the latest-pointer invariant.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentos/agentos/internal/canonicaljson"
	"github.com/agentos/agentos/internal/embed"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/pathglob"
	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/store"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

const (
	maxHistoryLimit    = 100
	defaultHistoryLimit = 20
	maxListCap         = 500
	maxGlobLimit       = 500
	maxDumpLimit       = 500
	defaultDumpLimit   = 200
)

// Store is the subset of internal/store's API the memory engine needs.
type Store interface {
	PutVersion(ctx context.Context, tenantID, agent, path, versionID string, value json.RawMessage, tags []string, importance float64, searchable bool, contentHash string, expiresAt *time.Time) (time.Time, error)
	DeleteVersion(ctx context.Context, tenantID, agent, path, versionID, tombstoneHash string) (time.Time, error)
	GetLatest(ctx context.Context, tenantID, agent, path string) (*store.EntryVersion, error)
	History(ctx context.Context, tenantID, agent, path string, limit int) ([]store.EntryVersion, error)
	ListChildren(ctx context.Context, tenantID, agent, prefix, likeEscapedPrefix string, cap int) ([]store.ChildEntry, error)
	Glob(ctx context.Context, tenantID, agent, likePattern string, limit int) ([]store.EntryVersion, error)
	Dump(ctx context.Context, tenantID, agent string, limit int) ([]store.EntryVersion, error)
	Agents(ctx context.Context, tenantID string) ([]store.AgentCount, error)
	EnqueueJob(ctx context.Context, tenantID, versionID string) error
	UpsertEmbedding(ctx context.Context, e store.Embedding) error
}

// Service implements the memory engine over a Store, optionally attempting
// inline embedding at PUT time when an Embedder is configured.
type Service struct {
	store     Store
	embedder  embed.Embedder
	quota     *quota.Service
	model     string
	dumpCache *dumpCache
}

// New builds a memory Service. embedder may be nil, in which case writes
// marked searchable always fall back to enqueueing a job. quotaSvc may be
// nil, in which case writes are never quota-checked (used by tests and any
// deployment that leaves quotas unconfigured).
func New(st Store, embedder embed.Embedder, model string, quotaSvc *quota.Service) *Service {
	return &Service{
		store:     st,
		embedder:  embedder,
		quota:     quotaSvc,
		model:     model,
		dumpCache: newDumpCache(),
	}
}

// PutInput is the validated request body for PUT.
type PutInput struct {
	Agent      string
	Path       string
	Value      json.RawMessage
	TTLSeconds *int64
	Tags       []string
	Importance float64
	Searchable bool
}

// PutResult is the response body for a successful PUT.
type PutResult struct {
	OK        bool      `json:"ok"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Put writes a new version of an entry, enforcing the write quota and
// attempting inline embedding when the entry is marked searchable.
func (s *Service) Put(ctx context.Context, tenantID string, in PutInput) (*PutResult, error) {
	path, err := pathglob.Normalize(in.Path)
	if err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}
	if pathglob.IsReserved(path) {
		return nil, httpserver.ErrReservedPath("paths under /sys are read-only")
	}

	var parsedValue any
	if err := json.Unmarshal(in.Value, &parsedValue); err != nil {
		return nil, httpserver.ErrValidation("value must be valid JSON")
	}
	contentHash, err := canonicaljson.ContentHash(path, parsedValue)
	if err != nil {
		return nil, fmt.Errorf("computing content hash: %w", err)
	}

	if s.quota != nil {
		if err := s.quota.CheckWrite(ctx, tenantID, int64(len(in.Value))); err != nil {
			return nil, err
		}
	}

	var expiresAt *time.Time
	if in.TTLSeconds != nil {
		t := time.Now().UTC().Add(time.Duration(*in.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	versionID := uuid.NewString()
	createdAt, err := s.store.PutVersion(ctx, tenantID, in.Agent, path, versionID, in.Value, in.Tags, in.Importance, in.Searchable, contentHash, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("putting version: %w", err)
	}

	if in.Searchable {
		s.handleSearchableWrite(ctx, tenantID, in.Agent, path, versionID, in.Value, in.Tags)
	}

	s.dumpCache.invalidate(tenantID, in.Agent)

	return &PutResult{OK: true, VersionID: versionID, CreatedAt: createdAt}, nil
}

// handleSearchableWrite attempts an inline embed when a provider is
// configured, falling back to the async job queue on failure or absence.
func (s *Service) handleSearchableWrite(ctx context.Context, tenantID, agent, path, versionID string, value json.RawMessage, tags []string) {
	if s.embedder == nil {
		_ = s.store.EnqueueJob(ctx, tenantID, versionID)
		return
	}

	text := embed.BuildText(path, value, tags)
	embedCtx, cancel := context.WithTimeout(ctx, embed.CallTimeout)
	vec, err := s.embedder.Embed(embedCtx, text)
	cancel()
	if err != nil || len(vec) == 0 {
		_ = s.store.EnqueueJob(ctx, tenantID, versionID)
		return
	}

	if s.quota != nil {
		_, _ = s.quota.RecordEmbedTokens(ctx, tenantID, embed.ApproxTokens(text))
	}

	_ = s.store.UpsertEmbedding(ctx, store.Embedding{
		VersionID: versionID,
		TenantID:  tenantID,
		Agent:     agent,
		Path:      path,
		Model:     s.model,
		Vector:    pgvector.NewVector(vec),
	})
}

// GetResult is the response body for GET.
type GetResult struct {
	Found     bool            `json:"found"`
	Path      string          `json:"path,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	VersionID string          `json:"version_id,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

// Get fetches the latest non-tombstoned, non-expired version of a path.
func (s *Service) Get(ctx context.Context, tenantID, agent, rawPath string) (*GetResult, error) {
	path, err := pathglob.Normalize(rawPath)
	if err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}

	v, err := s.store.GetLatest(ctx, tenantID, agent, path)
	if err == store.ErrNotFound {
		return &GetResult{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest version: %w", err)
	}

	createdAt := v.CreatedAt
	return &GetResult{
		Found:     true,
		Path:      v.Path,
		Value:     v.Value,
		VersionID: v.ID,
		CreatedAt: &createdAt,
		ExpiresAt: v.ExpiresAt,
		Tags:      v.Tags,
	}, nil
}

// DeleteResult is the response body for DELETE.
type DeleteResult struct {
	OK        bool      `json:"ok"`
	Deleted   bool      `json:"deleted"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Delete writes a tombstone version for a path, enforcing the write quota.
func (s *Service) Delete(ctx context.Context, tenantID, agent, rawPath string) (*DeleteResult, error) {
	path, err := pathglob.Normalize(rawPath)
	if err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}
	if pathglob.IsReserved(path) {
		return nil, httpserver.ErrReservedPath("paths under /sys are read-only")
	}

	if s.quota != nil {
		if err := s.quota.CheckWrite(ctx, tenantID, 0); err != nil {
			return nil, err
		}
	}

	versionID := uuid.NewString()
	deletedAt, err := s.store.DeleteVersion(ctx, tenantID, agent, path, versionID, canonicaljson.TombstoneContentHash)
	if err != nil {
		return nil, fmt.Errorf("deleting version: %w", err)
	}

	s.dumpCache.invalidate(tenantID, agent)

	return &DeleteResult{OK: true, Deleted: true, VersionID: versionID, CreatedAt: deletedAt}, nil
}

// VersionSummary is one HISTORY/DUMP/GLOB row.
type VersionSummary struct {
	VersionID string          `json:"version_id"`
	Path      string          `json:"path,omitempty"`
	Value     json.RawMessage `json:"value"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// HistoryResult is the response body for HISTORY.
type HistoryResult struct {
	Versions []VersionSummary `json:"versions"`
}

// History returns a path's versions, newest first.
func (s *Service) History(ctx context.Context, tenantID, agent, rawPath string, limit int) (*HistoryResult, error) {
	path, err := pathglob.Normalize(rawPath)
	if err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}
	limit = clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)

	versions, err := s.store.History(ctx, tenantID, agent, path, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	out := make([]VersionSummary, 0, len(versions))
	for _, v := range versions {
		out = append(out, toSummary(v))
	}
	return &HistoryResult{Versions: out}, nil
}

// ListItem is one LIST result row.
type ListItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// ListResult is the response body for LIST.
type ListResult struct {
	Items []ListItem `json:"items"`
}

// List returns the immediate children of a prefix.
func (s *Service) List(ctx context.Context, tenantID, agent, rawPrefix string) (*ListResult, error) {
	prefix, err := pathglob.Normalize(rawPrefix)
	if err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}

	children, err := s.store.ListChildren(ctx, tenantID, agent, prefix, pathglob.EscapeLikeLiteral(prefix), maxListCap)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}

	items := make([]ListItem, 0, len(children))
	for _, c := range children {
		items = append(items, ListItem{Path: c.Path, Type: c.Type})
	}
	return &ListResult{Items: items}, nil
}

// GlobResult is the response body for GLOB.
type GlobResult struct {
	Paths []string `json:"paths"`
}

// Glob returns the visible (non-tombstoned, unexpired) paths matching a glob
// pattern, at most maxGlobLimit of them.
func (s *Service) Glob(ctx context.Context, tenantID, agent, pattern string) (*GlobResult, error) {
	if err := pathglob.ValidateGlob(pattern); err != nil {
		return nil, httpserver.ErrInvalidPath(err.Error())
	}

	likePattern := pathglob.ToLikePattern(pattern)
	versions, err := s.store.Glob(ctx, tenantID, agent, likePattern, maxGlobLimit)
	if err != nil {
		return nil, fmt.Errorf("globbing: %w", err)
	}

	paths := make([]string, 0, len(versions))
	for _, v := range versions {
		paths = append(paths, v.Path)
	}
	return &GlobResult{Paths: paths}, nil
}

// DumpResult is the response body for DUMP.
type DumpResult struct {
	Entries []VersionSummary `json:"entries"`
	Count   int              `json:"count"`
}

// Dump returns up to limit entries for an agent (clamped to the dump
// default/maximum), using the 60s/100-entry dump cache.
func (s *Service) Dump(ctx context.Context, tenantID, agent string, limit int) (result *DumpResult, cacheHit bool, err error) {
	limit = clampLimit(limit, defaultDumpLimit, maxDumpLimit)
	key := dumpCacheKey{tenantID: tenantID, agent: agent, limit: limit}

	return s.dumpCache.getOrLoad(key, func() (*DumpResult, error) {
		versions, err := s.store.Dump(ctx, tenantID, agent, limit)
		if err != nil {
			return nil, fmt.Errorf("dumping entries: %w", err)
		}
		out := make([]VersionSummary, 0, len(versions))
		for _, v := range versions {
			out = append(out, toSummary(v))
		}
		return &DumpResult{Entries: out, Count: len(out)}, nil
	})
}

// AgentsResult is the response body for AGENTS.
type AgentsResult struct {
	Agents []AgentEntry `json:"agents"`
}

// AgentEntry is one AGENTS result row.
type AgentEntry struct {
	ID          string `json:"id"`
	MemoryCount int64  `json:"memory_count"`
}

// Agents returns per-agent live entry counts for a tenant.
func (s *Service) Agents(ctx context.Context, tenantID string) (*AgentsResult, error) {
	counts, err := s.store.Agents(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]AgentEntry, 0, len(counts))
	for _, c := range counts {
		out = append(out, AgentEntry{ID: c.Agent, MemoryCount: c.MemoryCount})
	}
	return &AgentsResult{Agents: out}, nil
}

func toSummary(v store.EntryVersion) VersionSummary {
	return VersionSummary{
		VersionID: v.ID,
		Path:      v.Path,
		Value:     v.Value,
		Tags:      v.Tags,
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		DeletedAt: v.DeletedAt,
	}
}

func clampLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
