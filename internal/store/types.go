package store

import (
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
)

// APIKey is a row in api_keys.
type APIKey struct {
	ID         string
	TenantID   string
	SecretHash string
	Scopes     []string
	Label      string
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// EntryVersion is an immutable row in entry_versions.
type EntryVersion struct {
	ID          string
	TenantID    string
	Agent       string
	Path        string
	Value       json.RawMessage
	Tags        []string
	Importance  float64
	Searchable  bool
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
}

// IsTombstone reports whether this version is a delete marker.
func (v EntryVersion) IsTombstone() bool {
	return v.DeletedAt != nil
}

// ChildEntry is a synthesized LIST result row.
type ChildEntry struct {
	Path string
	Type string // "file" or "dir"
}

// AgentCount is an AGENTS result row.
type AgentCount struct {
	Agent       string
	MemoryCount int64
}

// EmbeddingJob is a row in embedding_jobs.
type EmbeddingJob struct {
	VersionID string
	TenantID  string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusDone      = "done"
)

// Embedding is a row in embeddings.
type Embedding struct {
	VersionID string
	TenantID  string
	Agent     string
	Path      string
	Model     string
	Vector    pgvector.Vector
}

// SearchResult is a ranked SEARCH response row.
type SearchResult struct {
	Path       string          `json:"path"`
	Value      json.RawMessage `json:"value"`
	Tags       []string        `json:"tags,omitempty"`
	Similarity float64         `json:"similarity"`
	VersionID  string          `json:"version_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IdempotencyEntry is a row in idempotency_keys.
type IdempotencyEntry struct {
	TenantID     string
	Key          string
	RequestHash  string
	LegacyHash   string
	Response     json.RawMessage
	StatusCode   int
	ExpiresAt    time.Time
}

// QuotaCounter names one of the four quota_usage columns.
type QuotaCounter string

const (
	QuotaWrites      QuotaCounter = "writes"
	QuotaBytes       QuotaCounter = "bytes"
	QuotaEmbedTokens QuotaCounter = "embed_tokens"
	QuotaSearches    QuotaCounter = "searches"
)
