// Package locks serializes share-processing runs per dataset. Two concurrent
// grant/revoke runs touching the same dataset could interleave permission
// mutations in the external authorization system, so every run must hold the
// dataset's lock before transitioning anything to an in-progress state.
package locks

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrLockTimeout indicates the dataset stayed busy for the whole retry
// budget. Callers must treat this as a share-level failure and mark all
// pending items failed rather than proceed unsynchronized.
var ErrLockTimeout = errors.New("locks: dataset lock not acquired within retry budget")

// Store is the persistence port for the per-dataset lock row.
type Store interface {
	// TryAcquire atomically flips the lock to held when it is free.
	// Returns false without error when the lock is already held.
	TryAcquire(ctx context.Context, datasetID, holderID string) (bool, error)
	// Release frees the lock only if holderID still owns it. Returns
	// false when the lock was held by someone else or already free.
	Release(ctx context.Context, datasetID, holderID string) (bool, error)
}

// Manager wraps a Store with retry policy.
type Manager struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
	interval   time.Duration
}

// NewManager constructs a Manager. maxRetries and interval fall back to the
// defaults (10 attempts, 60s apart) when non-positive.
func NewManager(store Store, logger *slog.Logger, maxRetries int, interval time.Duration) *Manager {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Manager{store: store, logger: logger, maxRetries: maxRetries, interval: interval}
}

// Acquire makes a single non-blocking attempt.
func (m *Manager) Acquire(ctx context.Context, datasetID, holderID string) (bool, error) {
	return m.store.TryAcquire(ctx, datasetID, holderID)
}

// AcquireWithRetry attempts to take the lock up to the configured retry
// budget, sleeping between attempts. Returns ErrLockTimeout on exhaustion.
func (m *Manager) AcquireWithRetry(ctx context.Context, datasetID, holderID string) error {
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		ok, err := m.store.TryAcquire(ctx, datasetID, holderID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		m.logger.Info("dataset locked, waiting",
			slog.String("dataset_id", datasetID),
			slog.String("holder_id", holderID),
			slog.Int("attempt", attempt),
		)
		if attempt == m.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.interval):
		}
	}
	return ErrLockTimeout
}

// Release frees the lock. Call it from a deferred block around the run so
// the lock is never left held on any exit path. A release that finds the
// lock owned by another holder is logged, not escalated: it means this run
// crashed earlier and a later run legitimately took over.
func (m *Manager) Release(ctx context.Context, datasetID, holderID string) error {
	ok, err := m.store.Release(ctx, datasetID, holderID)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warn("lock not held by releasing run",
			slog.String("dataset_id", datasetID),
			slog.String("holder_id", holderID),
		)
	}
	return nil
}
