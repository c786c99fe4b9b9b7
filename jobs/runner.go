package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-data/lakeshare/internal/locks"
	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/observability"
	"github.com/odyssey-data/lakeshare/internal/sharing"
	"github.com/odyssey-data/lakeshare/internal/shares"
)

// ShareStore is the persistence surface a processing run needs.
type ShareStore interface {
	GetShareData(ctx context.Context, shareID string) (shares.ShareData, error)
	ListActiveShares(ctx context.Context) ([]shares.ShareObject, error)
	ListShareItems(ctx context.Context, shareID string, statuses []shares.ShareItemStatus, health []shares.HealthStatus) ([]shares.ShareObjectItem, error)
	UpdateShareStatus(ctx context.Context, id string, status shares.ShareObjectStatus) error
	UpdateItemStatusBatch(ctx context.Context, shareID string, old, next shares.ShareItemStatus, kind shares.ShareableKind) error
	HasPendingItems(ctx context.Context, shareID string) (bool, error)
}

// Runner executes share processing runs: the lock-wrapped skeleton around
// the dispatcher. One run is one sequential unit of work; parallelism only
// happens across distinct datasets in the verify sweep.
type Runner struct {
	store             ShareStore
	locks             *locks.Manager
	dispatch          *sharing.Dispatcher
	notifier          notify.Notifier
	metrics           *observability.Metrics
	logger            *slog.Logger
	verifyParallelism int
}

// NewRunner constructs a Runner.
func NewRunner(store ShareStore, lockMgr *locks.Manager, dispatch *sharing.Dispatcher, notifier notify.Notifier, metrics *observability.Metrics, logger *slog.Logger, verifyParallelism int) *Runner {
	if verifyParallelism <= 0 {
		verifyParallelism = 4
	}
	return &Runner{
		store: store, locks: lockMgr, dispatch: dispatch, notifier: notifier,
		metrics: metrics, logger: logger, verifyParallelism: verifyParallelism,
	}
}

// errItemsFailed marks a run that completed but left failed items. The task
// must not be retried wholesale; the failed items are already recorded.
var errItemsFailed = errors.New("jobs: run finished with failed items")

// Approve grants every approved item of the share.
func (r *Runner) Approve(ctx context.Context, shareID string) error {
	return r.metrics.Track("approve").End(r.approve(ctx, shareID))
}

func (r *Runner) approve(ctx context.Context, shareID string) error {
	data, err := r.store.GetShareData(ctx, shareID)
	if err != nil {
		return fmt.Errorf("jobs: load share %s: %w", shareID, err)
	}
	if err := r.transitionShare(ctx, &data.Share, shares.ActionStart); err != nil {
		return err
	}

	if err := r.locks.AcquireWithRetry(ctx, data.Dataset.ID, data.Share.ID); err != nil {
		return r.failLockedOut(ctx, data, shares.ItemShareApproved, err)
	}
	defer r.releaseLock(ctx, data)

	if err := r.store.UpdateItemStatusBatch(ctx, shareID, shares.ItemShareApproved, shares.ItemShareInProgress, ""); err != nil {
		return fmt.Errorf("jobs: start share items: %w", err)
	}
	items, err := r.store.ListShareItems(ctx, shareID, []shares.ShareItemStatus{shares.ItemShareInProgress}, nil)
	if err != nil {
		return err
	}

	report := r.dispatch.Grant(ctx, data, items)
	r.recordOutcomes("approve", report)

	if err := r.transitionShare(ctx, &data.Share, shares.ActionFinish); err != nil {
		return err
	}
	r.notifyProcessed(ctx, data)
	if !report.Succeeded {
		return fmt.Errorf("jobs: approve share %s: %w", shareID, errItemsFailed)
	}
	return nil
}

// Revoke removes the grants of every revoke-approved item. A share that
// still holds pending items afterwards returns to Draft instead of
// Processed.
func (r *Runner) Revoke(ctx context.Context, shareID string) error {
	return r.metrics.Track("revoke").End(r.revoke(ctx, shareID))
}

func (r *Runner) revoke(ctx context.Context, shareID string) error {
	data, err := r.store.GetShareData(ctx, shareID)
	if err != nil {
		return fmt.Errorf("jobs: load share %s: %w", shareID, err)
	}
	if err := r.transitionShare(ctx, &data.Share, shares.ActionStart); err != nil {
		return err
	}

	if err := r.locks.AcquireWithRetry(ctx, data.Dataset.ID, data.Share.ID); err != nil {
		return r.failLockedOut(ctx, data, shares.ItemRevokeApproved, err)
	}
	defer r.releaseLock(ctx, data)

	if err := r.store.UpdateItemStatusBatch(ctx, shareID, shares.ItemRevokeApproved, shares.ItemRevokeInProgress, ""); err != nil {
		return fmt.Errorf("jobs: start share items: %w", err)
	}
	items, err := r.store.ListShareItems(ctx, shareID, []shares.ShareItemStatus{shares.ItemRevokeInProgress}, nil)
	if err != nil {
		return err
	}

	report := r.dispatch.Revoke(ctx, data, items)
	r.recordOutcomes("revoke", report)

	pending, err := r.store.HasPendingItems(ctx, shareID)
	if err != nil {
		return err
	}
	finish := shares.ActionFinish
	if pending {
		finish = shares.ActionFinishPending
	}
	if err := r.transitionShare(ctx, &data.Share, finish); err != nil {
		return err
	}
	if !report.Succeeded {
		return fmt.Errorf("jobs: revoke share %s: %w", shareID, errItemsFailed)
	}
	return nil
}

// Verify re-checks every live grant of the share without mutating external
// state. No lock is taken; the sequence is read-only.
func (r *Runner) Verify(ctx context.Context, shareID string) error {
	return r.metrics.Track("verify").End(r.verify(ctx, shareID))
}

func (r *Runner) verify(ctx context.Context, shareID string) error {
	data, err := r.store.GetShareData(ctx, shareID)
	if err != nil {
		return fmt.Errorf("jobs: load share %s: %w", shareID, err)
	}
	items, err := r.store.ListShareItems(ctx, shareID, []shares.ShareItemStatus{shares.ItemShareSucceeded}, nil)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	report := r.dispatch.Verify(ctx, data, items)
	r.recordOutcomes("verify", report)
	return nil
}

// Reapply re-runs the grant sequence for items whose verification found the
// external grant missing or broken.
func (r *Runner) Reapply(ctx context.Context, shareID string) error {
	return r.metrics.Track("reapply").End(r.reapply(ctx, shareID))
}

func (r *Runner) reapply(ctx context.Context, shareID string) error {
	data, err := r.store.GetShareData(ctx, shareID)
	if err != nil {
		return fmt.Errorf("jobs: load share %s: %w", shareID, err)
	}
	items, err := r.store.ListShareItems(ctx, shareID,
		[]shares.ShareItemStatus{shares.ItemShareSucceeded},
		[]shares.HealthStatus{shares.HealthUnhealthy, shares.HealthPendingReApply})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	if err := r.locks.AcquireWithRetry(ctx, data.Dataset.ID, data.Share.ID); err != nil {
		if errors.Is(err, locks.ErrLockTimeout) {
			r.metrics.LockWaitFailure()
		}
		return fmt.Errorf("jobs: acquire dataset lock: %w", err)
	}
	defer r.releaseLock(ctx, data)

	report := r.dispatch.Grant(ctx, data, items)
	r.recordOutcomes("reapply", report)
	if !report.Succeeded {
		return fmt.Errorf("jobs: reapply share %s: %w", shareID, errItemsFailed)
	}
	return nil
}

// VerifyAll sweeps every active share. Shares are grouped by dataset and
// datasets verified in parallel; shares of one dataset stay sequential.
func (r *Runner) VerifyAll(ctx context.Context) error {
	active, err := r.store.ListActiveShares(ctx)
	if err != nil {
		return fmt.Errorf("jobs: list active shares: %w", err)
	}
	byDataset := map[string][]shares.ShareObject{}
	for _, s := range active {
		byDataset[s.DatasetID] = append(byDataset[s.DatasetID], s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.verifyParallelism)
	for _, group := range byDataset {
		group := group
		g.Go(func() error {
			for _, s := range group {
				if err := r.Verify(gctx, s.ID); err != nil {
					r.logger.Error("verify share", slog.String("share_id", s.ID), slog.Any("error", err))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// failLockedOut handles lock-retry exhaustion: every pending item fails
// identically, the share is closed out and the run reports failure. Grants
// are never partially applied without the lock.
func (r *Runner) failLockedOut(ctx context.Context, data shares.ShareData, pending shares.ShareItemStatus, cause error) error {
	if errors.Is(cause, locks.ErrLockTimeout) {
		r.metrics.LockWaitFailure()
	}
	failed := shares.ItemShareFailed
	if pending == shares.ItemRevokeApproved {
		failed = shares.ItemRevokeFailed
	}
	if err := r.store.UpdateItemStatusBatch(ctx, data.Share.ID, pending, failed, ""); err != nil {
		r.logger.Error("mark items failed after lock timeout",
			slog.String("share_id", data.Share.ID), slog.Any("error", err))
	}
	if err := r.transitionShare(ctx, &data.Share, shares.ActionFinish); err != nil {
		r.logger.Error("finish share after lock timeout",
			slog.String("share_id", data.Share.ID), slog.Any("error", err))
	}
	return fmt.Errorf("jobs: acquire dataset lock for share %s: %w", data.Share.ID, cause)
}

// releaseLock runs deferred on every exit path. It uses a detached context
// so a cancelled run still frees the lock.
func (r *Runner) releaseLock(ctx context.Context, data shares.ShareData) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.locks.Release(releaseCtx, data.Dataset.ID, data.Share.ID); err != nil {
		r.logger.Error("release dataset lock",
			slog.String("dataset_id", data.Dataset.ID),
			slog.String("share_id", data.Share.ID),
			slog.Any("error", err),
		)
	}
}

func (r *Runner) transitionShare(ctx context.Context, share *shares.ShareObject, action shares.Action) error {
	next, err := shares.NewObjectStateMachine(share.Status).Run(action)
	if err != nil {
		return err
	}
	if next == share.Status {
		return nil
	}
	if err := r.store.UpdateShareStatus(ctx, share.ID, next); err != nil {
		return err
	}
	share.Status = next
	return nil
}

func (r *Runner) recordOutcomes(op string, report sharing.RunReport) {
	succeeded, failed := 0, 0
	for _, o := range report.Items {
		if o.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	r.metrics.AddItemOutcomes(op, succeeded, failed)
	r.logger.Info("share run finished",
		slog.String("op", op),
		slog.Bool("succeeded", report.Succeeded),
		slog.Int("items_succeeded", succeeded),
		slog.Int("items_failed", failed),
	)
}

func (r *Runner) notifyProcessed(ctx context.Context, data shares.ShareData) {
	if r.notifier == nil {
		return
	}
	event := notify.LifecycleEvent{
		Kind:        notify.ShareProcessed,
		ShareID:     data.Share.ID,
		DatasetID:   data.Dataset.ID,
		DatasetName: data.Dataset.Name,
		PrincipalID: data.Share.PrincipalID,
		GroupID:     data.Share.GroupID,
		Actor:       "system",
		At:          time.Now().UTC(),
	}
	if err := r.notifier.NotifyLifecycle(ctx, event); err != nil {
		r.logger.Warn("notify share processed", slog.String("share_id", data.Share.ID), slog.Any("error", err))
	}
}

// Handlers returns the asynq handlers for every share task type. A run that
// completed with failed items is not retried wholesale; the items carry
// their own failure records.
func (r *Runner) Handlers() []TaskHandler {
	run := func(op string, fn func(context.Context, string) error) asynq.HandlerFunc {
		return func(ctx context.Context, t *asynq.Task) error {
			var p ShareRunPayload
			if err := json.Unmarshal(t.Payload(), &p); err != nil {
				return fmt.Errorf("jobs: decode %s payload: %v: %w", op, err, asynq.SkipRetry)
			}
			err := fn(ctx, p.ShareID)
			if errors.Is(err, errItemsFailed) || errors.Is(err, locks.ErrLockTimeout) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
	}
	return []TaskHandler{
		{Type: TaskShareApprove, Handler: run("approve", r.Approve)},
		{Type: TaskShareRevoke, Handler: run("revoke", r.Revoke)},
		{Type: TaskShareVerify, Handler: run("verify", r.Verify)},
		{Type: TaskShareReapply, Handler: run("reapply", r.Reapply)},
		{Type: TaskShareVerifyAll, Handler: func(ctx context.Context, t *asynq.Task) error {
			return r.VerifyAll(ctx)
		}},
		{Type: TaskTypeSendEmail, Handler: r.handleSendEmail},
	}
}

// handleSendEmail hands the message to the delivery provider. Delivery
// mechanics live outside this core; the worker records the send.
func (r *Runner) handleSendEmail(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	r.logger.Info("notification email dispatched",
		slog.String("to", payload.To),
		slog.String("subject", payload.Subject),
	)
	return nil
}
