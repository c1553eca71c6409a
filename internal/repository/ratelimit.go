package repository

import (
	"context"
	"fmt"

	"github.com/core-coin/mealpass/internal/models"
)

// hitRateLimitSQL counts one request and rolls the window over when it has
// ended, all in one statement. Postgres and SQLite both accept it.
const hitRateLimitSQL = `
INSERT INTO rate_limit_counters (bucket_key, window_start_ms, hits)
VALUES (?, ?, 1)
ON CONFLICT (bucket_key) DO UPDATE SET
	hits = CASE WHEN rate_limit_counters.window_start_ms <= ? THEN 1 ELSE rate_limit_counters.hits + 1 END,
	window_start_ms = CASE WHEN rate_limit_counters.window_start_ms <= ? THEN excluded.window_start_ms ELSE rate_limit_counters.window_start_ms END
RETURNING hits, window_start_ms`

func (db *PostgresDB) HitRateLimit(ctx context.Context, key string, nowMs, windowMs int64) (int64, int64, error) {
	var row struct {
		Hits          int64
		WindowStartMs int64
	}
	expiredBefore := nowMs - windowMs
	if err := db.Conn.WithContext(ctx).
		Raw(hitRateLimitSQL, key, nowMs, expiredBefore, expiredBefore).
		Scan(&row).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return row.Hits, row.WindowStartMs, nil
}

func (db *PostgresDB) PruneRateLimits(ctx context.Context, windowStartedBeforeMs int64) (int64, error) {
	res := db.Conn.WithContext(ctx).
		Where("window_start_ms < ?", windowStartedBeforeMs).
		Delete(&models.RateLimitCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune rate limit counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
