package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IncrementCounter atomically bumps the durable rate counter for
// (key, windowStart) and returns the post-increment count. The insert-or-update
// runs in a short transaction of its own so a crash cannot leave a partial
// increment behind.
func (s *Store) IncrementCounter(ctx context.Context, key string, windowStart time.Time) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin counter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int64
	err = tx.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (key, window_start, count, last_updated)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key, window_start) DO UPDATE
		SET count = rate_limit_counters.count + 1,
		    last_updated = NOW()
		RETURNING count
	`, key, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit counter: %w", err)
	}
	return count, nil
}

// PruneCounters deletes counter rows whose window started before the cutoff.
// Best-effort housekeeping; callers log and ignore the error.
func (s *Store) PruneCounters(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limit_counters WHERE window_start < $1
	`, cutoff)
	return err
}
