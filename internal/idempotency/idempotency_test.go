package idempotency

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentos/agentos/internal/store"
)

type fakeStore struct {
	entries map[string]*store.IdempotencyEntry
	swept   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*store.IdempotencyEntry)}
}

func (f *fakeStore) key(tenantID, key string) string { return tenantID + "/" + key }

func (f *fakeStore) GetIdempotencyEntry(_ context.Context, tenantID, key string) (*store.IdempotencyEntry, error) {
	e, ok := f.entries[f.key(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) InsertIdempotencyEntry(_ context.Context, tenantID, key, requestHash, legacyHash string, response json.RawMessage, statusCode int) error {
	k := f.key(tenantID, key)
	if _, exists := f.entries[k]; exists {
		return nil
	}
	f.entries[k] = &store.IdempotencyEntry{
		TenantID:    tenantID,
		Key:         key,
		RequestHash: requestHash,
		LegacyHash:  legacyHash,
		Response:    response,
		StatusCode:  statusCode,
	}
	return nil
}

func (f *fakeStore) SweepExpiredIdempotencyEntries(_ context.Context) (int64, error) {
	return f.swept, nil
}

func TestCheckMissThenStoreThenHit(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()

	body := []byte(`{"path":"/a","value":1}`)

	lookup, err := svc.Check(ctx, "tenant1", "key-1", body)
	if err != nil {
		t.Fatalf("unexpected error on first check: %v", err)
	}
	if lookup.Hit {
		t.Fatal("expected a miss on first check")
	}

	resp := json.RawMessage(`{"ok":true}`)
	if err := svc.Store(ctx, "tenant1", "key-1", lookup, resp, 200); err != nil {
		t.Fatalf("unexpected error storing response: %v", err)
	}

	lookup2, err := svc.Check(ctx, "tenant1", "key-1", body)
	if err != nil {
		t.Fatalf("unexpected error on second check: %v", err)
	}
	if !lookup2.Hit {
		t.Fatal("expected a hit on second check with identical body")
	}
	if string(lookup2.Response) != string(resp) {
		t.Fatalf("expected cached response %s, got %s", resp, lookup2.Response)
	}
	if lookup2.Status != 200 {
		t.Fatalf("expected cached status 200, got %d", lookup2.Status)
	}
}

func TestCheckMismatchOnDifferentBody(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()

	lookup, _ := svc.Check(ctx, "tenant1", "key-1", []byte(`{"path":"/a","value":1}`))
	_ = svc.Store(ctx, "tenant1", "key-1", lookup, json.RawMessage(`{"ok":true}`), 200)

	_, err := svc.Check(ctx, "tenant1", "key-1", []byte(`{"path":"/a","value":2}`))
	if err == nil {
		t.Fatal("expected IDEMPOTENCY_KEY_MISMATCH for a changed body")
	}
}

func TestCheckKeyOrderDoesNotAffectHash(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)
	ctx := context.Background()

	lookup, _ := svc.Check(ctx, "tenant1", "key-1", []byte(`{"a":1,"b":2}`))
	_ = svc.Store(ctx, "tenant1", "key-1", lookup, json.RawMessage(`{"ok":true}`), 201)

	lookup2, err := svc.Check(ctx, "tenant1", "key-1", []byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("unexpected mismatch for reordered keys: %v", err)
	}
	if !lookup2.Hit {
		t.Fatal("expected a hit for a request body differing only in key order")
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey("abc-DEF_123"); err != nil {
		t.Fatalf("expected valid key to pass, got %v", err)
	}
	if err := ValidateKey(""); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
	if err := ValidateKey("has a space"); err == nil {
		t.Fatal("expected key with a space to be rejected")
	}
}
