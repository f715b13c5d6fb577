// Package idempotency implements the canonical-hash-keyed response cache
// for PUT/DELETE requests (spec component C7).
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/agentos/agentos/internal/canonicaljson"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/store"
)

// KeyPattern is the accepted shape of an Idempotency-Key header value.
var KeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store is the subset of internal/store's API this package needs.
type Store interface {
	GetIdempotencyEntry(ctx context.Context, tenantID, key string) (*store.IdempotencyEntry, error)
	InsertIdempotencyEntry(ctx context.Context, tenantID, key, requestHash, legacyHash string, response json.RawMessage, statusCode int) error
	SweepExpiredIdempotencyEntries(ctx context.Context) (int64, error)
}

// Service implements the idempotency protocol described in spec §4.6.
type Service struct {
	store Store
}

// New builds an idempotency Service.
func New(store Store) *Service {
	return &Service{store: store}
}

// ValidateKey checks the Idempotency-Key header shape, returning
// INVALID_IDEMPOTENCY_KEY on failure.
func ValidateKey(key string) error {
	if !KeyPattern.MatchString(key) {
		return httpserver.ErrInvalidIdempotencyKey("Idempotency-Key must be an ASCII token of 1-128 characters")
	}
	return nil
}

// Lookup result for a (tenant, key, body) triple.
type Lookup struct {
	// Hit is true when a prior response for this exact key+body exists and
	// should be returned as-is without re-running the handler.
	Hit      bool
	Response json.RawMessage
	Status   int

	// RequestHash/LegacyHash are computed once here and reused by Store so
	// callers don't recompute canonical JSON twice.
	RequestHash string
	LegacyHash  string
}

// Check looks up (tenant, key). If no entry exists, returns a miss with the
// computed hashes ready for a later Store call. If an entry exists and its
// hash matches (canonical or legacy), returns a hit with the cached
// response. If an entry exists with a different hash, returns
// IDEMPOTENCY_KEY_MISMATCH.
func (s *Service) Check(ctx context.Context, tenantID, key string, rawBody []byte) (Lookup, error) {
	var parsedBody any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &parsedBody); err != nil {
			return Lookup{}, fmt.Errorf("parsing request body for idempotency hash: %w", err)
		}
	}

	requestHash, err := canonicaljson.Hash(parsedBody)
	if err != nil {
		return Lookup{}, fmt.Errorf("hashing request body: %w", err)
	}
	legacyHash := canonicaljson.LegacyHash(rawBody)

	entry, err := s.store.GetIdempotencyEntry(ctx, tenantID, key)
	if err == store.ErrNotFound {
		return Lookup{RequestHash: requestHash, LegacyHash: legacyHash}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("looking up idempotency entry: %w", err)
	}

	if entry.RequestHash == requestHash || entry.LegacyHash == legacyHash {
		return Lookup{
			Hit:         true,
			Response:    entry.Response,
			Status:      entry.StatusCode,
			RequestHash: requestHash,
			LegacyHash:  legacyHash,
		}, nil
	}

	return Lookup{}, httpserver.ErrIdempotencyMismatch("Idempotency-Key was previously used with a different request body")
}

// Store persists the handler's response under (tenant, key) for 24h.
func (s *Service) Store(ctx context.Context, tenantID, key string, lookup Lookup, response json.RawMessage, statusCode int) error {
	return s.store.InsertIdempotencyEntry(ctx, tenantID, key, lookup.RequestHash, lookup.LegacyHash, response, statusCode)
}

// RunSweeper deletes expired idempotency entries every interval until ctx is
// canceled. Intended to be run as its own goroutine; the spec calls for a
// 6-hour cadence.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, onSwept func(count int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepExpiredIdempotencyEntries(ctx)
			if err == nil && onSwept != nil {
				onSwept(n)
			}
		}
	}
}
