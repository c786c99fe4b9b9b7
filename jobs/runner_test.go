package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-data/lakeshare/internal/locks"
	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/observability"
	"github.com/odyssey-data/lakeshare/internal/shares"
	"github.com/odyssey-data/lakeshare/internal/sharing"
)

// memoryShareStore backs runner tests with mutable in-memory shares.
type memoryShareStore struct {
	mu     sync.Mutex
	shares map[string]*shareRec
}

type shareRec struct {
	data  shares.ShareData
	items []*shares.ShareObjectItem
}

func newMemoryShareStore() *memoryShareStore {
	return &memoryShareStore{shares: map[string]*shareRec{}}
}

func (s *memoryShareStore) addShare(data shares.ShareData, items ...shares.ShareObjectItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &shareRec{data: data}
	for i := range items {
		it := items[i]
		it.ShareID = data.Share.ID
		rec.items = append(rec.items, &it)
	}
	s.shares[data.Share.ID] = rec
}

func (s *memoryShareStore) GetShareData(_ context.Context, shareID string) (shares.ShareData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shares[shareID]
	if !ok {
		return shares.ShareData{}, shares.ErrNotFound
	}
	return rec.data, nil
}

func (s *memoryShareStore) ListActiveShares(_ context.Context) ([]shares.ShareObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shares.ShareObject
	for _, rec := range s.shares {
		out = append(out, rec.data.Share)
	}
	return out, nil
}

func (s *memoryShareStore) ListShareItems(_ context.Context, shareID string, statuses []shares.ShareItemStatus, health []shares.HealthStatus) ([]shares.ShareObjectItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shares[shareID]
	if !ok {
		return nil, nil
	}
	var out []shares.ShareObjectItem
	for _, it := range rec.items {
		if len(statuses) > 0 && !statusIn(statuses, it.Status) {
			continue
		}
		if len(health) > 0 && !healthIn(health, it.HealthStatus) {
			continue
		}
		out = append(out, *it)
	}
	return out, nil
}

func statusIn(set []shares.ShareItemStatus, s shares.ShareItemStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func healthIn(set []shares.HealthStatus, h shares.HealthStatus) bool {
	for _, v := range set {
		if v == h {
			return true
		}
	}
	return false
}

func (s *memoryShareStore) UpdateShareStatus(_ context.Context, id string, status shares.ShareObjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.shares[id]; ok {
		rec.data.Share.Status = status
	}
	return nil
}

func (s *memoryShareStore) UpdateItemStatusBatch(_ context.Context, shareID string, old, next shares.ShareItemStatus, kind shares.ShareableKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shares[shareID]
	if !ok {
		return nil
	}
	for _, it := range rec.items {
		if it.Status != old {
			continue
		}
		if kind != "" && it.Kind != kind {
			continue
		}
		it.Status = next
	}
	return nil
}

func (s *memoryShareStore) HasPendingItems(_ context.Context, shareID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shares[shareID]
	if !ok {
		return false, nil
	}
	for _, it := range rec.items {
		if it.Status == shares.ItemPendingApproval {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryShareStore) setItemStatus(shareID, itemRowID string, status shares.ShareItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.shares[shareID].items {
		if it.ID == itemRowID {
			it.Status = status
		}
	}
}

func (s *memoryShareStore) shareStatus(shareID string) shares.ShareObjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares[shareID].data.Share.Status
}

func (s *memoryShareStore) itemStatus(shareID, itemRowID string) shares.ShareItemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.shares[shareID].items {
		if it.ID == itemRowID {
			return it.Status
		}
	}
	return ""
}

// scriptedOrchestrator completes every item against the store the way the
// real orchestrators do, failing the item names it is told to.
type scriptedOrchestrator struct {
	store    *memoryShareStore
	fail     map[string]bool
	mu       sync.Mutex
	verified map[string]int
}

func newScriptedOrchestrator(store *memoryShareStore) *scriptedOrchestrator {
	return &scriptedOrchestrator{store: store, fail: map[string]bool{}, verified: map[string]int{}}
}

func (o *scriptedOrchestrator) complete(data shares.ShareData, items []shares.ShareObjectItem) []sharing.ItemOutcome {
	var out []sharing.ItemOutcome
	for _, it := range items {
		outcome := sharing.ItemOutcome{ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind}
		next := shares.ActionSuccess
		if o.fail[it.Name] {
			next = shares.ActionFailure
			outcome.Message = "provider rejected the grant"
		} else {
			outcome.Succeeded = true
		}
		status, err := shares.NewItemStateMachine(it.Status).Run(next)
		if err == nil {
			o.store.setItemStatus(data.Share.ID, it.ID, status)
		}
		out = append(out, outcome)
	}
	return out
}

func (o *scriptedOrchestrator) Grant(_ context.Context, data shares.ShareData, items []shares.ShareObjectItem) []sharing.ItemOutcome {
	return o.complete(data, items)
}

func (o *scriptedOrchestrator) Revoke(_ context.Context, data shares.ShareData, items []shares.ShareObjectItem) []sharing.ItemOutcome {
	return o.complete(data, items)
}

func (o *scriptedOrchestrator) Verify(_ context.Context, data shares.ShareData, items []shares.ShareObjectItem) []sharing.ItemOutcome {
	o.mu.Lock()
	o.verified[data.Share.ID] += len(items)
	o.mu.Unlock()
	var out []sharing.ItemOutcome
	for _, it := range items {
		out = append(out, sharing.ItemOutcome{ShareItemID: it.ID, Succeeded: true})
	}
	return out
}

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

func (s *memoryLockStore) held(datasetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[datasetID]
	return ok
}

func runnerFixture(t *testing.T) (*Runner, *memoryShareStore, *scriptedOrchestrator, *memoryLockStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryShareStore()
	orch := newScriptedOrchestrator(store)
	dispatch := sharing.NewDispatcher(map[shares.ShareableKind]sharing.Orchestrator{
		shares.KindTable:  orch,
		shares.KindFolder: orch,
	}, logger)
	lockStore := newMemoryLockStore()
	lockMgr := locks.NewManager(lockStore, logger, 2, time.Millisecond)
	runner := NewRunner(store, lockMgr, dispatch, nil, observability.NewMetrics(), logger, 2)
	return runner, store, orch, lockStore
}

func testShareData(shareID, datasetID string, status shares.ShareObjectStatus) shares.ShareData {
	return shares.ShareData{
		Share:     shares.ShareObject{ID: shareID, DatasetID: datasetID, GroupID: "grp", Status: status},
		Dataset:   shares.Dataset{ID: datasetID, Name: "sales", DatabaseName: "sales_db"},
		SourceEnv: shares.Environment{ID: "env-src", AccountID: "111111111111", Region: "eu-west-1"},
		TargetEnv: shares.Environment{ID: "env-dst", AccountID: "222222222222", Region: "eu-west-1"},
	}
}

func TestApproveRun(t *testing.T) {
	runner, store, _, lockStore := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectApproved),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareApproved},
		shares.ShareObjectItem{ID: "si-2", ItemID: "tbl-customers", Kind: shares.KindTable, Name: "customers", Status: shares.ItemShareApproved},
	)

	require.NoError(t, runner.Approve(context.Background(), "share-1"))

	require.Equal(t, shares.ObjectProcessed, store.shareStatus("share-1"))
	require.Equal(t, shares.ItemShareSucceeded, store.itemStatus("share-1", "si-1"))
	require.Equal(t, shares.ItemShareSucceeded, store.itemStatus("share-1", "si-2"))
	require.False(t, lockStore.held("ds-1"), "run must release the dataset lock")
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []notify.LifecycleEvent
}

func (r *lifecycleRecorder) NotifyLifecycle(_ context.Context, e notify.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestApproveRunNotifiesProcessed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryShareStore()
	orch := newScriptedOrchestrator(store)
	dispatch := sharing.NewDispatcher(map[shares.ShareableKind]sharing.Orchestrator{
		shares.KindTable: orch,
	}, logger)
	lockMgr := locks.NewManager(newMemoryLockStore(), logger, 2, time.Millisecond)
	rec := &lifecycleRecorder{}
	runner := NewRunner(store, lockMgr, dispatch, rec, observability.NewMetrics(), logger, 2)

	store.addShare(testShareData("share-1", "ds-1", shares.ObjectApproved),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareApproved},
	)

	require.NoError(t, runner.Approve(context.Background(), "share-1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	require.Equal(t, notify.ShareProcessed, rec.events[0].Kind)
	require.Equal(t, "share-1", rec.events[0].ShareID)
	require.Equal(t, "grp", rec.events[0].GroupID)
}

func TestApproveRunWithFailedItems(t *testing.T) {
	runner, store, orch, lockStore := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectApproved),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareApproved},
		shares.ShareObjectItem{ID: "si-2", ItemID: "tbl-customers", Kind: shares.KindTable, Name: "customers", Status: shares.ItemShareApproved},
	)
	orch.fail["customers"] = true

	err := runner.Approve(context.Background(), "share-1")
	require.ErrorContains(t, err, "failed items")

	// The share still finishes; failure is carried by the items.
	require.Equal(t, shares.ObjectProcessed, store.shareStatus("share-1"))
	require.Equal(t, shares.ItemShareSucceeded, store.itemStatus("share-1", "si-1"))
	require.Equal(t, shares.ItemShareFailed, store.itemStatus("share-1", "si-2"))
	require.False(t, lockStore.held("ds-1"))
}

func TestApproveLockTimeout(t *testing.T) {
	runner, store, _, lockStore := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectApproved),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareApproved},
	)
	ok, err := lockStore.TryAcquire(context.Background(), "ds-1", "another-run")
	require.NoError(t, err)
	require.True(t, ok)

	err = runner.Approve(context.Background(), "share-1")
	require.ErrorIs(t, err, locks.ErrLockTimeout)

	// No grant ran: the pending items fail wholesale and the share closes.
	require.Equal(t, shares.ItemShareFailed, store.itemStatus("share-1", "si-1"))
	require.Equal(t, shares.ObjectProcessed, store.shareStatus("share-1"))
	require.True(t, lockStore.held("ds-1"), "the other run keeps its lock")
}

func TestApproveFromIllegalState(t *testing.T) {
	runner, store, _, _ := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectDraft))

	err := runner.Approve(context.Background(), "share-1")
	var illegal *shares.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestRevokeFinishesPendingToDraft(t *testing.T) {
	runner, store, _, _ := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectRevoked),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemRevokeApproved},
		shares.ShareObjectItem{ID: "si-2", ItemID: "tbl-customers", Kind: shares.KindTable, Name: "customers", Status: shares.ItemPendingApproval},
	)

	require.NoError(t, runner.Revoke(context.Background(), "share-1"))

	require.Equal(t, shares.ItemRevokeSucceeded, store.itemStatus("share-1", "si-1"))
	require.Equal(t, shares.ItemPendingApproval, store.itemStatus("share-1", "si-2"))
	// Pending items send the share back to Draft for a fresh submission.
	require.Equal(t, shares.ObjectDraft, store.shareStatus("share-1"))
}

func TestRevokeFinishesToProcessed(t *testing.T) {
	runner, store, _, _ := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectRevoked),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemRevokeApproved},
	)

	require.NoError(t, runner.Revoke(context.Background(), "share-1"))
	require.Equal(t, shares.ObjectProcessed, store.shareStatus("share-1"))
}

func TestVerifySkipsSharesWithoutLiveItems(t *testing.T) {
	runner, store, orch, _ := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectProcessed),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareFailed},
	)

	require.NoError(t, runner.Verify(context.Background(), "share-1"))
	require.Zero(t, orch.verified["share-1"])
}

func TestVerifyAll(t *testing.T) {
	runner, store, orch, _ := runnerFixture(t)
	for i, shareID := range []string{"share-1", "share-2", "share-3"} {
		datasetID := "ds-1"
		if i == 2 {
			datasetID = "ds-2"
		}
		store.addShare(testShareData(shareID, datasetID, shares.ObjectProcessed),
			shares.ShareObjectItem{ID: "si-" + shareID, ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders", Status: shares.ItemShareSucceeded},
		)
	}

	require.NoError(t, runner.VerifyAll(context.Background()))
	orch.mu.Lock()
	defer orch.mu.Unlock()
	require.Equal(t, 1, orch.verified["share-1"])
	require.Equal(t, 1, orch.verified["share-2"])
	require.Equal(t, 1, orch.verified["share-3"])
}

func TestReapplyOnlyTouchesUnhealthyItems(t *testing.T) {
	runner, store, _, lockStore := runnerFixture(t)
	store.addShare(testShareData("share-1", "ds-1", shares.ObjectProcessed),
		shares.ShareObjectItem{ID: "si-1", ItemID: "tbl-orders", Kind: shares.KindTable, Name: "orders",
			Status: shares.ItemShareSucceeded, HealthStatus: shares.HealthUnhealthy},
		shares.ShareObjectItem{ID: "si-2", ItemID: "tbl-customers", Kind: shares.KindTable, Name: "customers",
			Status: shares.ItemShareSucceeded, HealthStatus: shares.HealthHealthy},
	)

	require.NoError(t, runner.Reapply(context.Background(), "share-1"))
	// Reapply never moves lifecycle states of already-succeeded items.
	require.Equal(t, shares.ItemShareSucceeded, store.itemStatus("share-1", "si-1"))
	require.Equal(t, shares.ItemShareSucceeded, store.itemStatus("share-1", "si-2"))
	require.False(t, lockStore.held("ds-1"))
}
