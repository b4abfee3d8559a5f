package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// DefaultExpiry is how long a cached session response is replayed. It
// outlives the provider's session expiry.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys removes records older than expiry.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		logger.Error("failed to cleanup old idempotency keys", "error", err)
		return 0, err
	}
	if deleted > 0 {
		logger.Info("cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys every interval until ctx is done.
// This function blocks and should typically be run in a goroutine.
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := CleanupOldKeys(ctx, repo, expiry, logger); err != nil {
		logger.Error("initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldKeys(ctx, repo, expiry, logger); err != nil {
				logger.Error("periodic cleanup failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("stopping periodic idempotency cleanup")
			return
		}
	}
}
