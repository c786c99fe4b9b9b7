package sharing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-data/lakeshare/internal/shares"
)

// stubOrchestrator records the partitions it receives and succeeds or fails
// every item wholesale.
type stubOrchestrator struct {
	fail  bool
	calls [][]shares.ShareObjectItem
}

func (s *stubOrchestrator) run(items []shares.ShareObjectItem) []ItemOutcome {
	s.calls = append(s.calls, items)
	out := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if s.fail {
			out = append(out, ItemOutcome{ShareItemID: it.ID, Kind: it.Kind, Succeeded: false, Message: "boom"})
			continue
		}
		out = append(out, succeedOutcome(it))
	}
	return out
}

func (s *stubOrchestrator) Grant(_ context.Context, _ shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	return s.run(items)
}

func (s *stubOrchestrator) Revoke(_ context.Context, _ shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	return s.run(items)
}

func (s *stubOrchestrator) Verify(_ context.Context, _ shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	return s.run(items)
}

func mixedItems() []shares.ShareObjectItem {
	return []shares.ShareObjectItem{
		{ID: "si-1", Kind: shares.KindTable, Name: "orders"},
		{ID: "si-2", Kind: shares.KindFolder, Name: "raw/"},
		{ID: "si-3", Kind: shares.KindTable, Name: "customers"},
	}
}

func TestDispatcherPartitionsByKind(t *testing.T) {
	tables := &stubOrchestrator{}
	folders := &stubOrchestrator{}
	d := NewDispatcher(map[shares.ShareableKind]Orchestrator{
		shares.KindTable:  tables,
		shares.KindFolder: folders,
	}, discardLogger())

	report := d.Grant(context.Background(), shares.ShareData{}, mixedItems())
	require.True(t, report.Succeeded)
	require.Len(t, report.Items, 3)

	require.Len(t, tables.calls, 1)
	require.Len(t, tables.calls[0], 2)
	require.Equal(t, "orders", tables.calls[0][0].Name)
	require.Equal(t, "customers", tables.calls[0][1].Name)
	require.Len(t, folders.calls, 1)
	require.Len(t, folders.calls[0], 1)
}

func TestDispatcherAggregatesWithAndSemantics(t *testing.T) {
	tables := &stubOrchestrator{}
	folders := &stubOrchestrator{fail: true}
	d := NewDispatcher(map[shares.ShareableKind]Orchestrator{
		shares.KindTable:  tables,
		shares.KindFolder: folders,
	}, discardLogger())

	report := d.Revoke(context.Background(), shares.ShareData{}, mixedItems())
	require.False(t, report.Succeeded)
	require.Len(t, report.Items, 3)

	// The failing folder partition must not stop the table partition.
	require.Len(t, tables.calls, 1)
	succeeded := 0
	for _, out := range report.Items {
		if out.Succeeded {
			succeeded++
		}
	}
	require.Equal(t, 2, succeeded)
}

func TestDispatcherUnregisteredKindFailsPartition(t *testing.T) {
	tables := &stubOrchestrator{}
	d := NewDispatcher(map[shares.ShareableKind]Orchestrator{
		shares.KindTable: tables,
	}, discardLogger())

	report := d.Verify(context.Background(), shares.ShareData{}, mixedItems())
	require.False(t, report.Succeeded)
	require.Len(t, report.Items, 3)
	for _, out := range report.Items {
		if out.Kind == shares.KindFolder {
			require.False(t, out.Succeeded)
			require.Contains(t, out.Message, "no orchestrator registered")
		} else {
			require.True(t, out.Succeeded)
		}
	}
}

func TestDispatcherEmptyRun(t *testing.T) {
	d := NewDispatcher(map[shares.ShareableKind]Orchestrator{}, discardLogger())
	report := d.Grant(context.Background(), shares.ShareData{}, nil)
	require.True(t, report.Succeeded)
	require.Empty(t, report.Items)
}
