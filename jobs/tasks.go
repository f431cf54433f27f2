package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockforge/stockforge/internal/dayclose"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDayClose runs the nightly reconciliation close.
	TaskDayClose = "stock:day_close"
	// TaskIdempotencyCleanup prunes stale idempotency keys.
	TaskIdempotencyCleanup = "stock:idem_cleanup"
)

// DayClosePayload parameterises a close run. An empty Date closes today.
type DayClosePayload struct {
	Date  string `json:"date,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// NewDayCloseTask constructs the close task.
func NewDayCloseTask(payload DayClosePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDayClose, data), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// DayCloseRunner is the coordinator surface the worker needs.
type DayCloseRunner interface {
	CloseDay(ctx context.Context, asOf time.Time, force bool) (dayclose.Result, error)
}

// NewDayCloseHandler builds the handler for TaskDayClose.
func NewDayCloseHandler(runner DayCloseRunner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload DayClosePayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		var asOf time.Time
		if payload.Date != "" {
			var err error
			asOf, err = time.Parse("2006-01-02", payload.Date)
			if err != nil {
				logger.Error("day close task has bad date", "date", payload.Date)
				return asynq.SkipRetry
			}
		}
		result, err := runner.CloseDay(ctx, asOf, payload.Force)
		if err != nil {
			return err
		}
		logger.Info("scheduled day close finished",
			"date", result.Date, "closed", result.Closed, "failed", len(result.Failed))
		return nil
	}
}

// IdempotencyCleaner prunes old keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupHandler builds the handler for TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(cleaner IdempotencyCleaner, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := cleaner.Cleanup(ctx, retention); err != nil {
			return err
		}
		logger.Info("idempotency keys pruned", "retention", retention.String())
		return nil
	}
}
