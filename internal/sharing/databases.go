package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/shares"
)

// DatabaseOrchestrator handles whole-database items: a DESCRIBE grant on the
// source database itself rather than per-table links. Cross-account shares
// go through the same account-grant-plus-invitation leg tables use.
type DatabaseOrchestrator struct {
	runBase
	auth    AuthorizationProvider
	invites InvitationProvider
	roles   RoleResolver
	local   LocalGrants
}

// NewDatabaseOrchestrator constructs a DatabaseOrchestrator.
func NewDatabaseOrchestrator(
	store ItemStore,
	auth AuthorizationProvider,
	invites InvitationProvider,
	roles RoleResolver,
	local LocalGrants,
	alarms notify.AlarmSink,
	logger *slog.Logger,
) *DatabaseOrchestrator {
	return &DatabaseOrchestrator{
		runBase: runBase{store: store, alarms: alarms, logger: logger},
		auth:    auth, invites: invites, roles: roles, local: local,
	}
}

type databaseRun struct {
	data         shares.ShareData
	principals   Principals
	source       Resource
	crossAccount bool
}

func (o *DatabaseOrchestrator) initRun(ctx context.Context, data shares.ShareData) (databaseRun, error) {
	principals, err := ResolvePrincipals(ctx, o.roles, data.Share, data.TargetEnv)
	if err != nil {
		return databaseRun{}, err
	}
	return databaseRun{
		data:       data,
		principals: principals,
		source: Resource{
			AccountID: data.SourceEnv.AccountID,
			Region:    data.SourceEnv.Region,
			Database:  data.Dataset.DatabaseName,
		},
		crossAccount: data.SourceEnv.AccountID != data.TargetEnv.AccountID,
	}, nil
}

// Grant gives the principals DESCRIBE on the source database.
func (o *DatabaseOrchestrator) Grant(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "grant", err)
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

func (o *DatabaseOrchestrator) grantItem(ctx context.Context, run databaseRun, it shares.ShareObjectItem) error {
	exists, err := o.auth.DatabaseExists(ctx, run.source.AccountID, run.source.Region, run.source.Database)
	if err != nil {
		return fmt.Errorf("sharing: check source database %s: %w", run.source.Database, err)
	}
	if !exists {
		return fmt.Errorf("sharing: source database %s: %w", run.source.Database, ErrResourceNotFound)
	}

	if run.crossAccount {
		if err := callProvider(ctx, o.logger, "grant target account on database", func() error {
			return o.auth.GrantPermissions(ctx, []string{run.data.TargetEnv.AccountID}, run.source,
				[]Permission{PermissionDescribe}, true)
		}); err != nil {
			return fmt.Errorf("sharing: grant target account on database %s: %w", run.source.Database, err)
		}
		retryNeeded, err := o.invites.AcceptPendingInvitation(ctx, run.source, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region)
		if err != nil {
			return fmt.Errorf("sharing: accept sharing invitation for %s: %w", run.source.Database, err)
		}
		if retryNeeded {
			retryNeeded, err = o.invites.AcceptPendingInvitation(ctx, run.source, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region)
			if err != nil {
				return fmt.Errorf("sharing: accept sharing invitation for %s (retry): %w", run.source.Database, err)
			}
			if retryNeeded {
				return fmt.Errorf("sharing: sharing invitation for %s still not visible after retry", run.source.Database)
			}
		}
	}

	if err := callProvider(ctx, o.logger, "grant principals on database", func() error {
		return o.auth.GrantPermissions(ctx, run.principals.List(), run.source, []Permission{PermissionDescribe}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant principals on database %s: %w", run.source.Database, err)
	}
	if err := o.local.GrantReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
		return fmt.Errorf("sharing: grant local read access: %w", err)
	}
	return nil
}

// Revoke removes the DESCRIBE grants with cross-share reference counting on
// the cross-account leg.
func (o *DatabaseOrchestrator) Revoke(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "revoke", err)
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if err := o.revokeItem(ctx, run, it); err != nil {
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
	return outcomes
}

func (o *DatabaseOrchestrator) revokeItem(ctx context.Context, run databaseRun, it shares.ShareObjectItem) error {
	if err := callProvider(ctx, o.logger, "revoke principals on database", func() error {
		return o.auth.RevokePermissions(ctx, run.principals.List(), run.source, []Permission{PermissionDescribe}, false)
	}); err != nil {
		return fmt.Errorf("sharing: revoke principals on database %s: %w", run.source.Database, err)
	}
	if err := o.local.RevokeReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
		return fmt.Errorf("sharing: revoke local read access: %w", err)
	}

	otherRefs, err := o.store.OtherSharesReferenceItem(ctx, run.data.TargetEnv.ID, it.ItemID, it.ID)
	if err != nil {
		return fmt.Errorf("sharing: check sibling share references: %w", err)
	}
	if !otherRefs && run.crossAccount {
		if err := callProvider(ctx, o.logger, "revoke target account on database", func() error {
			return o.auth.RevokePermissions(ctx, []string{run.data.TargetEnv.AccountID}, run.source,
				[]Permission{PermissionDescribe}, true)
		}); err != nil {
			return fmt.Errorf("sharing: revoke target account on database %s: %w", run.source.Database, err)
		}
	}
	return nil
}

// Verify checks the database grants without mutating anything.
func (o *DatabaseOrchestrator) Verify(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.markAllUnhealthy(ctx, items, err.Error())
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		var problems []string
		exists, err := o.auth.DatabaseExists(ctx, run.source.AccountID, run.source.Region, run.source.Database)
		if err != nil {
			problems = append(problems, fmt.Sprintf("source database check failed: %v", err))
		} else if !exists {
			problems = append(problems, fmt.Sprintf("source database %s not found", run.source.Database))
		}
		if err == nil && exists {
			ok, err := o.auth.CheckPermissions(ctx, run.principals.List(), run.source, []Permission{PermissionDescribe})
			if err != nil {
				problems = append(problems, fmt.Sprintf("database permission check failed: %v", err))
			} else if !ok {
				problems = append(problems, fmt.Sprintf("principals missing DESCRIBE on database %s", run.source.Database))
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
