package sharing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// callProvider wraps one external authorization call with bounded jittered
// backoff. Only transient failures (throttling, concurrent modification) are
// retried; everything else surfaces immediately. This retry is distinct from
// the dataset-level lock retry.
func callProvider(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	err := retry.Do(
		func() error {
			err := fn()
			if errors.Is(err, ErrAlreadyApplied) {
				return nil
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransient) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn("retrying provider call",
				slog.String("op", op),
				slog.Uint64("attempt", uint64(attempt)+1),
				slog.Any("error", err),
			)
		}),
	)
	return err
}
