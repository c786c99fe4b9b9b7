package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func failureEvent(itemID, op string) FailureEvent {
	return FailureEvent{
		ShareID:       "share-1",
		ItemID:        itemID,
		ItemName:      "orders",
		DatasetID:     "ds-1",
		SourceAccount: "111111111111",
		TargetAccount: "222222222222",
		Operation:     op,
		Err:           errors.New("grant failed"),
		At:            time.Now(),
	}
}

func countAlarms(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), "share processing failure")
}

func TestAlarmDedupeWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var buf bytes.Buffer
	alarm := NewAlarmLogger(slog.New(slog.NewTextHandler(&buf, nil)), client, time.Hour)
	ctx := context.Background()

	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.Equal(t, 1, countAlarms(&buf))

	// Same (share, item, operation) inside the window is suppressed.
	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.Equal(t, 1, countAlarms(&buf))

	// Past the window the failure is reported again.
	mr.FastForward(2 * time.Hour)
	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.Equal(t, 2, countAlarms(&buf))
}

func TestAlarmDistinctFailuresNotDeduped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var buf bytes.Buffer
	alarm := NewAlarmLogger(slog.New(slog.NewTextHandler(&buf, nil)), client, time.Hour)
	ctx := context.Background()

	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-customers", "grant")))
	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "revoke")))
	require.Equal(t, 3, countAlarms(&buf))
}

func TestAlarmWithoutRedisReportsEverything(t *testing.T) {
	var buf bytes.Buffer
	alarm := NewAlarmLogger(slog.New(slog.NewTextHandler(&buf, nil)), nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.NoError(t, alarm.ReportShareFailure(ctx, failureEvent("tbl-orders", "grant")))
	require.Equal(t, 2, countAlarms(&buf))
}

type emailRecorder struct {
	to []string
}

func (r *emailRecorder) EnqueueEmail(_ context.Context, to, _, _ string) error {
	r.to = append(r.to, to)
	return nil
}

type staticResolver map[string][]string

func (r staticResolver) GroupAddresses(_ context.Context, groupID string) ([]string, error) {
	return r[groupID], nil
}

func TestEmailNotifierFanOut(t *testing.T) {
	rec := &emailRecorder{}
	resolver := staticResolver{
		"grp-analytics": {"a@example.com", "b@example.com"},
		"grp-owners":    {"owner@example.com"},
	}
	ownerOf := func(_ context.Context, _ string) (string, error) { return "grp-owners", nil }
	n := NewEmailNotifier(rec, resolver, ownerOf, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyLifecycle(context.Background(), LifecycleEvent{
		Kind:        ShareApproved,
		ShareID:     "share-1",
		DatasetID:   "ds-1",
		DatasetName: "sales",
		GroupID:     "grp-analytics",
		Actor:       "bob",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "b@example.com", "owner@example.com"}, rec.to)
}

func TestEmailNotifierOwnerSameAsRequester(t *testing.T) {
	rec := &emailRecorder{}
	resolver := staticResolver{"grp-analytics": {"a@example.com"}}
	ownerOf := func(_ context.Context, _ string) (string, error) { return "grp-analytics", nil }
	n := NewEmailNotifier(rec, resolver, ownerOf, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyLifecycle(context.Background(), LifecycleEvent{
		Kind: ShareSubmitted, GroupID: "grp-analytics", DatasetName: "sales",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com"}, rec.to, "owner group is not notified twice")
}
