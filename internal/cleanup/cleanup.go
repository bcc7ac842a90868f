package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/storage"
)

// PruneExpiredDecisions deletes decision records older than keepDuration.
func PruneExpiredDecisions(ctx context.Context, repo storage.DecisionWriteRepository, keepDuration time.Duration, now time.Time) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if keepDuration <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-keepDuration)

	deleted, err := repo.PruneDecisions(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "failed to prune decisions", "cutoff", cutoff, "err", err)

		return 0, fmt.Errorf("prune decisions: %w", err)
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "pruned expired decisions", "deleted", deleted, "cutoff", cutoff)
	}

	return deleted, nil
}

// Run prunes on every tick until ctx is done.
func Run(ctx context.Context, repo storage.DecisionWriteRepository, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx).With("component", "cleanup")
	ctx = logctx.WithLogger(ctx, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "cleanup stopped")
			return
		case now := <-ticker.C:
			// Errors are already logged; the next tick retries.
			_, _ = PruneExpiredDecisions(ctx, repo, keepDuration, now)
		}
	}
}
