package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlarmLogger reports share failures as structured error logs, suppressing
// repeats of the same (share, item, operation) within the dedupe window so a
// flapping item does not flood the alarm channel.
type AlarmLogger struct {
	logger *slog.Logger
	redis  *redis.Client
	window time.Duration
}

// NewAlarmLogger constructs an AlarmLogger. The redis client may be nil, in
// which case no dedupe is applied.
func NewAlarmLogger(logger *slog.Logger, client *redis.Client, window time.Duration) *AlarmLogger {
	return &AlarmLogger{logger: logger, redis: client, window: window}
}

// ReportShareFailure logs the failure with its full addressing context.
func (a *AlarmLogger) ReportShareFailure(ctx context.Context, event FailureEvent) error {
	if a.redis != nil && a.window > 0 {
		fresh, err := a.redis.SetNX(ctx, event.Key(), "1", a.window).Result()
		if err != nil {
			a.logger.Warn("alarm dedupe check", slog.Any("error", err))
		} else if !fresh {
			return nil
		}
	}
	a.logger.Error("share processing failure",
		slog.String("share_id", event.ShareID),
		slog.String("item_id", event.ItemID),
		slog.String("item_name", event.ItemName),
		slog.String("dataset_id", event.DatasetID),
		slog.String("source_account", event.SourceAccount),
		slog.String("source_region", event.SourceRegion),
		slog.String("target_account", event.TargetAccount),
		slog.String("target_region", event.TargetRegion),
		slog.String("operation", event.Operation),
		slog.Any("error", event.Err),
	)
	return nil
}
