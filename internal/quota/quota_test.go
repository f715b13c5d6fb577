package quota

import (
	"context"
	"testing"

	"github.com/agentos/agentos/internal/store"
)

type fakeStore struct {
	totals map[store.QuotaCounter]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{totals: make(map[store.QuotaCounter]int64)}
}

func (f *fakeStore) IncrementQuota(_ context.Context, _ string, counter store.QuotaCounter, delta int64) (int64, error) {
	f.totals[counter] += delta
	return f.totals[counter], nil
}

func TestCheckWriteAllowsUnderLimit(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Limits{WritesPerDay: 10})

	for i := 0; i < 10; i++ {
		if err := svc.CheckWrite(context.Background(), "t1", 100); err != nil {
			t.Fatalf("write %d unexpectedly denied: %v", i+1, err)
		}
	}
}

func TestCheckWriteDeniesOverLimit(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Limits{WritesPerDay: 1})

	if err := svc.CheckWrite(context.Background(), "t1", 10); err != nil {
		t.Fatalf("first write unexpectedly denied: %v", err)
	}
	if err := svc.CheckWrite(context.Background(), "t1", 10); err == nil {
		t.Fatal("expected second write to exceed quota")
	}
}

func TestRecordEmbedTokensReportsExceeded(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, Limits{EmbedTokensPerDay: 100})

	exceeded, err := svc.RecordEmbedTokens(context.Background(), "t1", 50)
	if err != nil || exceeded {
		t.Fatalf("expected not exceeded, got exceeded=%v err=%v", exceeded, err)
	}

	exceeded, err = svc.RecordEmbedTokens(context.Background(), "t1", 100)
	if err != nil || !exceeded {
		t.Fatalf("expected exceeded after crossing limit, got exceeded=%v err=%v", exceeded, err)
	}
}
