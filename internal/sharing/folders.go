package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/shares"
)

// FolderOrchestrator performs the grant/revoke/verify sequences for
// folder-kind items: one access point per share on the dataset's bucket,
// with per-prefix policy statements for the resolved principals.
type FolderOrchestrator struct {
	runBase
	ap    AccessPointProvider
	roles RoleResolver
	local LocalGrants
}

// NewFolderOrchestrator constructs a FolderOrchestrator.
func NewFolderOrchestrator(
	store ItemStore,
	ap AccessPointProvider,
	roles RoleResolver,
	local LocalGrants,
	alarms notify.AlarmSink,
	logger *slog.Logger,
) *FolderOrchestrator {
	return &FolderOrchestrator{
		runBase: runBase{store: store, alarms: alarms, logger: logger},
		ap:      ap, roles: roles, local: local,
	}
}

type folderRun struct {
	data       shares.ShareData
	principals Principals
	apName     string
}

func (o *FolderOrchestrator) initRun(ctx context.Context, data shares.ShareData) (folderRun, error) {
	principals, err := ResolvePrincipals(ctx, o.roles, data.Share, data.TargetEnv)
	if err != nil {
		return folderRun{}, err
	}
	return folderRun{
		data:       data,
		principals: principals,
		apName:     AccessPointName(data.Dataset.ID, data.Share.ID),
	}, nil
}

// Grant ensures the bucket delegation and the share's access point, then
// adds one prefix statement per item.
func (o *FolderOrchestrator) Grant(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "grant", err)
	}
	if err := callProvider(ctx, o.logger, "ensure bucket delegation", func() error {
		return o.ap.EnsureBucketDelegation(ctx, data.SourceEnv.AccountID, data.SourceEnv.Region, data.Dataset.BucketName)
	}); err != nil {
		return o.failRun(ctx, data, items, "grant",
			fmt.Errorf("sharing: ensure bucket delegation on %s: %w", data.Dataset.BucketName, err))
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if err := o.grantItem(ctx, run, it); err != nil {
			o.failItem(ctx, data, it, "grant", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		o.recordHealth(ctx, it, shares.HealthHealthy, "")
		if err := o.transitionItem(ctx, it, shares.ActionSuccess); err != nil {
			o.failItem(ctx, data, it, "grant", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		outcomes = append(outcomes, succeedOutcome(it))
	}
	return outcomes
}

func (o *FolderOrchestrator) grantItem(ctx context.Context, run folderRun, it shares.ShareObjectItem) error {
	src := run.data.SourceEnv
	bucket := run.data.Dataset.BucketName

	exists, err := o.ap.PrefixExists(ctx, src.AccountID, src.Region, bucket, it.Name)
	if err != nil {
		return fmt.Errorf("sharing: check source prefix %s: %w", it.Name, err)
	}
	if !exists {
		return fmt.Errorf("sharing: source prefix %s/%s: %w", bucket, it.Name, ErrResourceNotFound)
	}

	apExists, err := o.ap.AccessPointExists(ctx, src.AccountID, src.Region, run.apName)
	if err != nil {
		return fmt.Errorf("sharing: check access point %s: %w", run.apName, err)
	}
	if !apExists {
		if err := callProvider(ctx, o.logger, "create access point", func() error {
			return o.ap.CreateAccessPoint(ctx, src.AccountID, src.Region, bucket, run.apName)
		}); err != nil {
			return fmt.Errorf("sharing: create access point %s: %w", run.apName, err)
		}
	}

	if err := callProvider(ctx, o.logger, "grant prefix access", func() error {
		return o.ap.GrantPrefixAccess(ctx, src.AccountID, src.Region, run.apName, run.principals.List(), it.Name)
	}); err != nil {
		return fmt.Errorf("sharing: grant prefix access on %s: %w", it.Name, err)
	}

	if err := o.local.GrantReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
		return fmt.Errorf("sharing: grant local read access: %w", err)
	}
	return nil
}

// Revoke removes the per-prefix statements and, once the share holds no
// folder item in a shared state, deletes the share's access point. Access
// points are share-scoped, so sibling shares keep their own.
func (o *FolderOrchestrator) Revoke(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "revoke", err)
	}

	src := data.SourceEnv
	apExists, err := o.ap.AccessPointExists(ctx, src.AccountID, src.Region, run.apName)
	if err != nil {
		return o.failRun(ctx, data, items, "revoke",
			fmt.Errorf("sharing: check access point %s: %w", run.apName, err))
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if err := o.revokeItem(ctx, run, it, apExists); err != nil {
			o.failItem(ctx, data, it, "revoke", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		if err := o.transitionItem(ctx, it, shares.ActionSuccess); err != nil {
			o.failItem(ctx, data, it, "revoke", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		outcomes = append(outcomes, succeedOutcome(it))
	}

	o.teardownAccessPoint(ctx, run, apExists)
	return outcomes
}

func (o *FolderOrchestrator) revokeItem(ctx context.Context, run folderRun, it shares.ShareObjectItem, apExists bool) error {
	src := run.data.SourceEnv
	if apExists {
		if err := callProvider(ctx, o.logger, "revoke prefix access", func() error {
			return o.ap.RevokePrefixAccess(ctx, src.AccountID, src.Region, run.apName, run.principals.List(), it.Name)
		}); err != nil {
			return fmt.Errorf("sharing: revoke prefix access on %s: %w", it.Name, err)
		}
	}
	if err := o.local.RevokeReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
		return fmt.Errorf("sharing: revoke local read access: %w", err)
	}
	return nil
}

func (o *FolderOrchestrator) teardownAccessPoint(ctx context.Context, run folderRun, apExists bool) {
	if !apExists {
		return
	}
	remaining, err := o.store.CountSharedItems(ctx, run.data.Share.ID, shares.KindFolder)
	if err != nil {
		o.logger.Error("count remaining shared folder items",
			slog.String("share_id", run.data.Share.ID), slog.Any("error", err))
		return
	}
	if remaining > 0 {
		return
	}
	src := run.data.SourceEnv
	if err := callProvider(ctx, o.logger, "delete access point", func() error {
		return o.ap.DeleteAccessPoint(ctx, src.AccountID, src.Region, run.apName)
	}); err != nil {
		o.logger.Error("access point teardown failed",
			slog.String("share_id", run.data.Share.ID),
			slog.String("access_point", run.apName),
			slog.Any("error", err),
		)
	}
}

// Verify is read-only: prefix existence, access point existence, the prefix
// policy statement and the local grant, per item.
func (o *FolderOrchestrator) Verify(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.markAllUnhealthy(ctx, items, err.Error())
	}

	src := data.SourceEnv
	apExists, apErr := o.ap.AccessPointExists(ctx, src.AccountID, src.Region, run.apName)

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		var problems []string
		if apErr != nil {
			problems = append(problems, fmt.Sprintf("access point check failed: %v", apErr))
		} else if !apExists {
			problems = append(problems, fmt.Sprintf("access point %s not found", run.apName))
		}

		exists, err := o.ap.PrefixExists(ctx, src.AccountID, src.Region, data.Dataset.BucketName, it.Name)
		if err != nil {
			problems = append(problems, fmt.Sprintf("source prefix check failed: %v", err))
		} else if !exists {
			problems = append(problems, fmt.Sprintf("source prefix %s not found", it.Name))
		}

		if apErr == nil && apExists {
			ok, err := o.ap.CheckPrefixAccess(ctx, src.AccountID, src.Region, run.apName, run.principals.List(), it.Name)
			if err != nil {
				problems = append(problems, fmt.Sprintf("prefix access check failed: %v", err))
			} else if !ok {
				problems = append(problems, fmt.Sprintf("principals missing access to prefix %s", it.Name))
			}
		}

		ok, err := o.local.HasReadAccess(ctx, data.Share.GroupID, it.ItemID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("local read access check failed: %v", err))
		} else if !ok {
			problems = append(problems, fmt.Sprintf("group %s missing local read access", data.Share.GroupID))
		}

		if len(problems) == 0 {
			o.recordHealth(ctx, it, shares.HealthHealthy, "")
			outcomes = append(outcomes, succeedOutcome(it))
			continue
		}
		message := strings.Join(problems, "; ")
		o.recordHealth(ctx, it, shares.HealthUnhealthy, message)
		outcomes = append(outcomes, ItemOutcome{
			ShareItemID: it.ID, ItemID: it.ItemID, Name: it.Name, Kind: it.Kind,
			Succeeded: false, Message: message,
		})
	}
	return outcomes
}
