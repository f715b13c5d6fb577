package store

import (
	"context"
	"fmt"
)

// IncrementQuota upserts the UTC-day quota_usage row for tenantID, adding
// delta to the named counter, and returns the resulting total for that
// counter on that day. The upsert is a single statement so concurrent
// requests for the same tenant/day serialize on the row's unique
// constraint rather than racing a read-modify-write in application code.
func (s *Store) IncrementQuota(ctx context.Context, tenantID string, counter QuotaCounter, delta int64) (int64, error) {
	day := now().Format("2006-01-02")

	columns := []string{"writes", "bytes", "embed_tokens", "searches"}
	var column string
	switch counter {
	case QuotaWrites:
		column = "writes"
	case QuotaBytes:
		column = "bytes"
	case QuotaEmbedTokens:
		column = "embed_tokens"
	case QuotaSearches:
		column = "searches"
	default:
		return 0, fmt.Errorf("unknown quota counter %q", counter)
	}

	// Build the insert values so the targeted counter starts at delta (not 0)
	// on first insert for the day, and every other counter starts at 0.
	insertVals := make([]string, len(columns))
	for i, c := range columns {
		if c == column {
			insertVals[i] = "$3"
		} else {
			insertVals[i] = "0"
		}
	}

	sql := fmt.Sprintf(`
		INSERT INTO quota_usage (tenant_id, day, writes, bytes, embed_tokens, searches)
		VALUES ($1, $2, %s, %s, %s, %s)
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET %s = quota_usage.%s + $3
		RETURNING %s
	`, insertVals[0], insertVals[1], insertVals[2], insertVals[3], column, column, column)

	var newVal int64
	row := s.pool.QueryRow(ctx, sql, tenantID, day, delta)
	if err := row.Scan(&newVal); err != nil {
		return 0, fmt.Errorf("incrementing quota %s: %w", counter, err)
	}
	return newVal, nil
}
