// Package quota maintains the four per-tenant, per-UTC-day counters named in
// spec component C6: writes, bytes, embed tokens, and searches. Writes and
// searches are enforced; bytes are only tracked, and embed-token overage is
// only reported.
package quota

import (
	"context"
	"fmt"

	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/store"
	"github.com/agentos/agentos/internal/telemetry"
)

// Store is the subset of internal/store's API this package needs.
type Store interface {
	IncrementQuota(ctx context.Context, tenantID string, counter store.QuotaCounter, delta int64) (int64, error)
}

// Limits holds the configured daily ceilings, sourced from config.Config.
type Limits struct {
	WritesPerDay      int64
	EmbedTokensPerDay int64
	SearchesPerDay    int64
}

// Service applies configured limits on top of the raw counters.
type Service struct {
	store  Store
	limits Limits
}

// New builds a quota Service.
func New(store Store, limits Limits) *Service {
	return &Service{store: store, limits: limits}
}

const (
	counterWrites      = store.QuotaWrites
	counterBytes       = store.QuotaBytes
	counterEmbedTokens = store.QuotaEmbedTokens
	counterSearches    = store.QuotaSearches
)

// CheckWrite increments the write and byte counters for tenantID and fails
// with QUOTA_WRITES_PER_DAY if the write counter exceeds its limit. Byte
// usage is tracked but (per spec) only the write-count ceiling is enforced.
func (s *Service) CheckWrite(ctx context.Context, tenantID string, bytes int64) error {
	writes, err := s.store.IncrementQuota(ctx, tenantID, counterWrites, 1)
	if err != nil {
		return fmt.Errorf("incrementing write quota: %w", err)
	}
	if _, err := s.store.IncrementQuota(ctx, tenantID, counterBytes, bytes); err != nil {
		return fmt.Errorf("incrementing byte quota: %w", err)
	}

	if s.limits.WritesPerDay > 0 && writes > s.limits.WritesPerDay {
		telemetry.QuotaDenialsTotal.WithLabelValues("writes").Inc()
		return httpserver.ErrQuotaWrites("daily write quota exceeded")
	}
	return nil
}

// CheckSearch increments the search counter and fails with
// QUOTA_SEARCHES if it exceeds the configured limit.
func (s *Service) CheckSearch(ctx context.Context, tenantID string) error {
	searches, err := s.store.IncrementQuota(ctx, tenantID, counterSearches, 1)
	if err != nil {
		return fmt.Errorf("incrementing search quota: %w", err)
	}
	if s.limits.SearchesPerDay > 0 && searches > s.limits.SearchesPerDay {
		telemetry.QuotaDenialsTotal.WithLabelValues("searches").Inc()
		return httpserver.ErrQuotaSearches("daily search quota exceeded")
	}
	return nil
}

// RecordEmbedTokens increments the embed-token counter (recorded by the
// embedding worker using an approximate token count) and reports
// exceeded=true, with a nil error, when the total passes the limit. Unlike
// writes/searches, this is reported after the fact — the embed call itself
// already completed — and no error is returned; nothing in this package
// blocks a later embed call for the tenant.
func (s *Service) RecordEmbedTokens(ctx context.Context, tenantID string, tokens int64) (exceeded bool, err error) {
	total, err := s.store.IncrementQuota(ctx, tenantID, counterEmbedTokens, tokens)
	if err != nil {
		return false, fmt.Errorf("incrementing embed-token quota: %w", err)
	}
	if s.limits.EmbedTokensPerDay > 0 && total > s.limits.EmbedTokensPerDay {
		telemetry.QuotaDenialsTotal.WithLabelValues("embed_tokens").Inc()
		return true, nil
	}
	return false, nil
}
