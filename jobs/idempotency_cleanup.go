package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kardex-erp/kardex-erp/internal/shared"
)

// NewIdempotencyCleanupHandler prunes idempotency keys past retention.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, retention); err != nil {
			return err
		}
		logger.Info("idempotency keys cleaned", slog.Duration("retention", retention))
		return nil
	}
}
