package locks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryLockStore struct {
	mu    sync.Mutex
	locks map[string]string
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{locks: map[string]string{}}
}

func (s *memoryLockStore) TryAcquire(_ context.Context, datasetID, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[datasetID]; held {
		return false, nil
	}
	s.locks[datasetID] = holderID
	return true, nil
}

func (s *memoryLockStore) Release(_ context.Context, datasetID, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[datasetID] != holderID {
		return false, nil
	}
	delete(s.locks, datasetID)
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireMutualExclusion(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 1, time.Millisecond)
	ctx := context.Background()

	const holders = 8
	results := make(chan bool, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		holder := string(rune('a' + i))
		go func() {
			defer wg.Done()
			ok, err := mgr.Acquire(ctx, "ds1", holder)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	acquired := 0
	for ok := range results {
		if ok {
			acquired++
		}
	}
	require.Equal(t, 1, acquired, "exactly one concurrent acquirer may win")
}

func TestAcquireFailsWhileHeldByThirdParty(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 1, time.Millisecond)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "ds1", "third")
	require.NoError(t, err)
	require.True(t, ok)

	for _, holder := range []string{"a", "b"} {
		ok, err := mgr.Acquire(ctx, "ds1", holder)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestAcquireWithRetryEventuallySucceeds(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 2, 20*time.Millisecond)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "ds1", "first")
	require.NoError(t, err)
	require.True(t, ok)

	// First holder releases while the second is still retrying.
	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, mgr.Release(context.Background(), "ds1", "first"))
	}()

	require.NoError(t, mgr.AcquireWithRetry(ctx, "ds1", "second"))
}

func TestAcquireWithRetryTimesOut(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 2, time.Millisecond)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "ds1", "forever")
	require.NoError(t, err)
	require.True(t, ok)

	err = mgr.AcquireWithRetry(ctx, "ds1", "second")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireWithRetryHonorsContext(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 10, time.Hour)

	ok, err := mgr.Acquire(context.Background(), "ds1", "holder")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = mgr.AcquireWithRetry(ctx, "ds1", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsHolderChecked(t *testing.T) {
	store := newMemoryLockStore()
	mgr := NewManager(store, testLogger(), 1, time.Millisecond)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "ds1", "owner")
	require.NoError(t, err)
	require.True(t, ok)

	// A stale run must not free a lock a newer run holds; the lock stays
	// with its owner.
	require.NoError(t, mgr.Release(ctx, "ds1", "stale"))
	ok, err = mgr.Acquire(ctx, "ds1", "other")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.Release(ctx, "ds1", "owner"))
	ok, err = mgr.Acquire(ctx, "ds1", "other")
	require.NoError(t, err)
	require.True(t, ok)
}
