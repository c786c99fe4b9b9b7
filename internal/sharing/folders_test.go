package sharing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-data/lakeshare/internal/shares"
)

func folderItems(status shares.ShareItemStatus, prefixes ...string) []shares.ShareObjectItem {
	out := make([]shares.ShareObjectItem, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, shares.ShareObjectItem{
			ID:     "si-" + p,
			ItemID: "fld-" + p,
			Kind:   shares.KindFolder,
			Name:   p,
			Status: status,
		})
	}
	return out
}

func newFolderFixture(t *testing.T, items []shares.ShareObjectItem) (*FolderOrchestrator, *DevBackend, *memoryItemStore, *alarmRecorder) {
	t.Helper()
	backend := NewDevBackend()
	backend.SeedRole(dstAccount, "consumer-role", roleArn)
	store := newMemoryItemStore(items)
	alarms := &alarmRecorder{}
	o := NewFolderOrchestrator(store, backend, backend, backend, alarms, discardLogger())
	return o, backend, store, alarms
}

func TestFolderGrantAndRevoke(t *testing.T) {
	items := folderItems(shares.ItemShareInProgress, "raw")
	o, backend, store, alarms := newFolderFixture(t, items)
	data := tableShareData()
	backend.SeedPrefix(srcAccount, region, data.Dataset.BucketName, "raw")
	ctx := context.Background()

	outcomes := o.Grant(ctx, data, items)
	require.True(t, outcomes[0].Succeeded, outcomes[0].Message)
	require.Equal(t, shares.ItemShareSucceeded, store.status("si-raw"))
	require.Zero(t, alarms.count())

	apName := AccessPointName(data.Dataset.ID, data.Share.ID)
	exists, err := backend.AccessPointExists(ctx, srcAccount, region, apName)
	require.NoError(t, err)
	require.True(t, exists)
	ok, err := backend.CheckPrefixAccess(ctx, srcAccount, region, apName, []string{roleArn}, "raw")
	require.NoError(t, err)
	require.True(t, ok)

	// Revoke the only folder item; the share-scoped access point goes away
	// with it.
	revoking := items
	revoking[0].Status = shares.ItemRevokeInProgress
	require.NoError(t, store.UpdateItemStatus(ctx, "si-raw", shares.ItemRevokeInProgress))

	outcomes = o.Revoke(ctx, data, revoking)
	require.True(t, outcomes[0].Succeeded, outcomes[0].Message)
	require.Equal(t, shares.ItemRevokeSucceeded, store.status("si-raw"))

	exists, err = backend.AccessPointExists(ctx, srcAccount, region, apName)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFolderGrantMissingPrefixFailsItem(t *testing.T) {
	items := folderItems(shares.ItemShareInProgress, "raw", "curated")
	o, backend, store, alarms := newFolderFixture(t, items)
	data := tableShareData()
	backend.SeedPrefix(srcAccount, region, data.Dataset.BucketName, "curated")

	outcomes := o.Grant(context.Background(), data, items)
	require.False(t, outcomes[0].Succeeded)
	require.Contains(t, outcomes[0].Message, "raw")
	require.True(t, outcomes[1].Succeeded, outcomes[1].Message)

	require.Equal(t, shares.ItemShareFailed, store.status("si-raw"))
	require.Equal(t, shares.ItemShareSucceeded, store.status("si-curated"))
	require.Equal(t, 1, alarms.count())
}

func TestFolderVerifyFlagsMissingStatement(t *testing.T) {
	items := folderItems(shares.ItemShareInProgress, "raw")
	o, backend, store, _ := newFolderFixture(t, items)
	data := tableShareData()
	backend.SeedPrefix(srcAccount, region, data.Dataset.BucketName, "raw")
	ctx := context.Background()

	outcomes := o.Grant(ctx, data, items)
	require.True(t, outcomes[0].Succeeded, outcomes[0].Message)

	verified := items
	verified[0].Status = shares.ItemShareSucceeded
	outcomes = o.Verify(ctx, data, verified)
	require.True(t, outcomes[0].Succeeded, outcomes[0].Message)

	// Someone removed the prefix statement out of band.
	apName := AccessPointName(data.Dataset.ID, data.Share.ID)
	require.NoError(t, backend.RevokePrefixAccess(ctx, srcAccount, region, apName, []string{roleArn}, "raw"))

	outcomes = o.Verify(ctx, data, verified)
	require.False(t, outcomes[0].Succeeded)
	health, msg := store.health("si-raw")
	require.Equal(t, shares.HealthUnhealthy, health)
	require.NotEmpty(t, msg)
}
