package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// warmupAttempts is the number of connection attempts made at process start
// before giving up, with linearly increasing delay between attempts.
const warmupAttempts = 5

// NewPostgresPool creates a pgx connection pool and waits for the database to
// become reachable, retrying with a linearly increasing delay. This absorbs
// the common case of the database container starting slightly after the app.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	var pingErr error
	for attempt := 1; attempt <= warmupAttempts; attempt++ {
		pingErr = pool.Ping(ctx)
		if pingErr == nil {
			return pool, nil
		}
		if attempt == warmupAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		}
	}

	pool.Close()
	return nil, fmt.Errorf("database not reachable after %d attempts: %w", warmupAttempts, pingErr)
}
