package sharing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/shares"
)

// runBase carries the item lifecycle plumbing shared by every orchestrator:
// state transitions, the failure-to-alarm conversion and the verify-time
// health writes.
type runBase struct {
	store  ItemStore
	alarms notify.AlarmSink
	logger *slog.Logger
}

// transitionItem applies a lifecycle action to the item through its state
// machine and persists the new state.
func (b runBase) transitionItem(ctx context.Context, it shares.ShareObjectItem, action shares.Action) error {
	next, err := shares.NewItemStateMachine(it.Status).Run(action)
	if err != nil {
		return err
	}
	if next == it.Status {
		return nil
	}
	return b.store.UpdateItemStatus(ctx, it.ID, next)
}

// failRun marks every item failed identically. Used for share-wide
// precondition failures: no per-item step runs at all.
func (b runBase) failRun(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem, op string, err error) []ItemOutcome {
	for _, it := range items {
		b.failItem(ctx, data, it, op, err)
	}
	return failAll(items, err.Error())
}

// failItem converts an error into the Failure lifecycle transition plus the
// alarm side effect. Errors never propagate past the orchestrator boundary.
func (b runBase) failItem(ctx context.Context, data shares.ShareData, it shares.ShareObjectItem, op string, cause error) {
	b.logger.Error("share item processing failed",
		slog.String("op", op),
		slog.String("share_id", data.Share.ID),
		slog.String("share_item_id", it.ID),
		slog.String("item_name", it.Name),
		slog.String("source_account", data.SourceEnv.AccountID),
		slog.String("target_account", data.TargetEnv.AccountID),
		slog.Any("error", cause),
	)
	if err := b.transitionItem(ctx, it, shares.ActionFailure); err != nil {
		// Succeeded items have no failure edge: a broken re-grant leaves the
		// lifecycle alone and carries the cause in the health record.
		var illegal *shares.IllegalTransitionError
		if errors.As(err, &illegal) {
			b.recordHealth(ctx, it, shares.HealthUnhealthy, cause.Error())
		} else {
			b.logger.Error("record item failure state", slog.String("share_item_id", it.ID), slog.Any("error", err))
		}
	}
	event := notify.FailureEvent{
		ShareID:       data.Share.ID,
		ItemID:        it.ItemID,
		ItemName:      it.Name,
		DatasetID:     data.Dataset.ID,
		SourceAccount: data.SourceEnv.AccountID,
		SourceRegion:  data.SourceEnv.Region,
		TargetAccount: data.TargetEnv.AccountID,
		TargetRegion:  data.TargetEnv.Region,
		Operation:     op,
		Err:           cause,
		At:            time.Now().UTC(),
	}
	if err := b.alarms.ReportShareFailure(ctx, event); err != nil {
		b.logger.Error("report share failure", slog.Any("error", err))
	}
}

// recordHealth persists one verification result, logging rather than
// failing the run when the write itself breaks.
func (b runBase) recordHealth(ctx context.Context, it shares.ShareObjectItem, health shares.HealthStatus, message string) {
	if err := b.store.UpdateItemHealth(ctx, it.ID, health, message, time.Now().UTC()); err != nil {
		b.logger.Error("record item health", slog.String("share_item_id", it.ID), slog.Any("error", err))
	}
}

// markAllUnhealthy records a verify-time run-level problem against every
// item without touching lifecycle states.
func (b runBase) markAllUnhealthy(ctx context.Context, items []shares.ShareObjectItem, message string) []ItemOutcome {
	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		b.recordHealth(ctx, it, shares.HealthUnhealthy, message)
		outcomes = append(outcomes, ItemOutcome{
			ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind,
			Succeeded: false, Message: message,
		})
	}
	return outcomes
}
