package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-data/lakeshare/internal/notify"
	"github.com/odyssey-data/lakeshare/internal/shares"
)

// catalogTrustTag must be present on a catalog account and name the source
// environment's account for the indirection to be trusted.
const catalogTrustTag = "owner_account_id"

// everyonePrincipal is the authorization provider's default "all IAM users"
// grantee, revoked before any cross-account grant.
const everyonePrincipal = "EVERYONE"

// TableOrchestrator performs the grant/revoke/verify sequences for
// table-kind items: database grants, resource links and cross-account
// invitations against the external authorization system.
type TableOrchestrator struct {
	runBase
	auth          AuthorizationProvider
	invites       InvitationProvider
	roles         RoleResolver
	trust         TrustVerifier
	local         LocalGrants
	pivotRoleName string
}

// NewTableOrchestrator constructs a TableOrchestrator.
func NewTableOrchestrator(
	store ItemStore,
	auth AuthorizationProvider,
	invites InvitationProvider,
	roles RoleResolver,
	trust TrustVerifier,
	local LocalGrants,
	alarms notify.AlarmSink,
	logger *slog.Logger,
	pivotRoleName string,
) *TableOrchestrator {
	return &TableOrchestrator{
		runBase: runBase{store: store, alarms: alarms, logger: logger},
		auth:    auth, invites: invites, roles: roles, trust: trust,
		local: local, pivotRoleName: pivotRoleName,
	}
}

// tableRun is the per-run context resolved before any item is touched.
// Principals are resolved fresh here on every run.
type tableRun struct {
	data         shares.ShareData
	principals   Principals
	source       Resource
	sharedDB     string
	legacyDB     bool
	crossAccount bool
	pivotArn     string
}

func (r tableRun) sourceTable(name string) Resource {
	res := r.source
	res.Table = name
	return res
}

func (r tableRun) sharedResource(table string) Resource {
	return Resource{
		AccountID: r.data.TargetEnv.AccountID,
		Region:    r.data.TargetEnv.Region,
		Database:  r.sharedDB,
		Table:     table,
	}
}

// initRun resolves the run context: catalog indirection (fail closed on
// trust failure), principals, and the shared database name, preferring an
// already-existing legacy-named database over creating a new one.
func (o *TableOrchestrator) initRun(ctx context.Context, data shares.ShareData) (tableRun, error) {
	run := tableRun{
		data: data,
		source: Resource{
			AccountID: data.SourceEnv.AccountID,
			Region:    data.SourceEnv.Region,
			Database:  data.Dataset.DatabaseName,
		},
	}
	if data.Dataset.CatalogAccountID != "" {
		if err := o.verifyCatalogAccount(ctx, data); err != nil {
			return tableRun{}, err
		}
		run.source.AccountID = data.Dataset.CatalogAccountID
		if data.Dataset.CatalogRegion != "" {
			run.source.Region = data.Dataset.CatalogRegion
		}
		if data.Dataset.CatalogDatabase != "" {
			run.source.Database = data.Dataset.CatalogDatabase
		}
	}

	principals, err := ResolvePrincipals(ctx, o.roles, data.Share, data.TargetEnv)
	if err != nil {
		return tableRun{}, err
	}
	run.principals = principals

	legacyName := LegacySharedDatabaseName(data.Dataset.DatabaseName, data.Share.ID)
	legacyExists, err := o.auth.DatabaseExists(ctx, data.TargetEnv.AccountID, data.TargetEnv.Region, legacyName)
	if err != nil {
		return tableRun{}, fmt.Errorf("sharing: check legacy shared database: %w", err)
	}
	if legacyExists {
		run.sharedDB = legacyName
		run.legacyDB = true
	} else {
		run.sharedDB = SharedDatabaseName(data.Dataset.DatabaseName)
	}

	run.crossAccount = run.source.AccountID != data.TargetEnv.AccountID
	run.pivotArn = fmt.Sprintf("arn:aws:iam::%s:role/%s", run.source.AccountID, o.pivotRoleName)
	return run, nil
}

// verifyCatalogAccount fails closed: a catalog account whose trust tag does
// not name the source environment's account, or where the pivot role is not
// assumable, blocks the run before any mutation.
func (o *TableOrchestrator) verifyCatalogAccount(ctx context.Context, data shares.ShareData) error {
	tag, err := o.trust.AccountTag(ctx, data.Dataset.CatalogAccountID, catalogTrustTag)
	if err != nil {
		return fmt.Errorf("sharing: read catalog account tag: %w", err)
	}
	if tag != data.SourceEnv.AccountID {
		return fmt.Errorf("sharing: catalog account %s tag %s=%q does not match source account %s: %w",
			data.Dataset.CatalogAccountID, catalogTrustTag, tag, data.SourceEnv.AccountID, ErrUntrustedCatalogAccount)
	}
	assumable, err := o.trust.PivotRoleAssumable(ctx, data.Dataset.CatalogAccountID)
	if err != nil {
		return fmt.Errorf("sharing: check pivot role in catalog account: %w", err)
	}
	if !assumable {
		return fmt.Errorf("sharing: pivot role not assumable in catalog account %s: %w",
			data.Dataset.CatalogAccountID, ErrUntrustedCatalogAccount)
	}
	return nil
}

// Grant runs the approve sequence. Precondition failures fail every item
// identically and skip all per-item work; per-item failures are isolated.
func (o *TableOrchestrator) Grant(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "grant", err)
	}
	if err := o.grantPreconditions(ctx, run); err != nil {
		return o.failRun(ctx, data, items, "grant", err)
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if err := o.grantItem(ctx, run, it); err != nil {
			o.failItem(ctx, data, it, "grant", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		if err := o.finishItem(ctx, run, it); err != nil {
			o.failItem(ctx, data, it, "grant", err)
			outcomes = append(outcomes, failOutcome(it, err))
			continue
		}
		outcomes = append(outcomes, succeedOutcome(it))
	}
	return outcomes
}

// grantPreconditions executes the share-wide steps that every item depends
// on, strictly in order: pivot authority on the source database, the shared
// database itself, then the principals' DESCRIBE on it.
func (o *TableOrchestrator) grantPreconditions(ctx context.Context, run tableRun) error {
	dbRes := run.source
	if err := callProvider(ctx, o.logger, "grant pivot on source db", func() error {
		return o.auth.GrantPermissions(ctx, []string{run.pivotArn}, dbRes, []Permission{PermissionAll}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant pivot role on source database %s: %w", dbRes.Database, err)
	}

	exists, err := o.auth.DatabaseExists(ctx, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region, run.sharedDB)
	if err != nil {
		return fmt.Errorf("sharing: check shared database %s: %w", run.sharedDB, err)
	}
	if !exists {
		if err := callProvider(ctx, o.logger, "create shared db", func() error {
			return o.auth.CreateDatabase(ctx, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region, run.sharedDB)
		}); err != nil {
			return fmt.Errorf("sharing: create shared database %s: %w", run.sharedDB, err)
		}
	}

	sharedRes := run.sharedResource("")
	if err := callProvider(ctx, o.logger, "grant pivot on shared db", func() error {
		return o.auth.GrantPermissions(ctx, []string{run.pivotArn}, sharedRes, []Permission{PermissionAll}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant pivot role on shared database %s: %w", run.sharedDB, err)
	}
	if err := callProvider(ctx, o.logger, "grant principals on shared db", func() error {
		return o.auth.GrantPermissions(ctx, run.principals.List(), sharedRes, []Permission{PermissionDescribe}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant principals on shared database %s: %w", run.sharedDB, err)
	}
	return nil
}

// grantItem executes the per-item approve steps in order. Every step is
// check-before-write or idempotent at the provider.
func (o *TableOrchestrator) grantItem(ctx context.Context, run tableRun, it shares.ShareObjectItem) error {
	src := run.sourceTable(it.Name)
	exists, err := o.auth.TableExists(ctx, src)
	if err != nil {
		return fmt.Errorf("sharing: check source table %s: %w", it.Name, err)
	}
	if !exists {
		return fmt.Errorf("sharing: source table %s.%s: %w", src.Database, it.Name, ErrResourceNotFound)
	}

	if run.crossAccount {
		if err := o.grantCrossAccount(ctx, run, src); err != nil {
			return err
		}
	}

	// Data permissions live on the underlying table; the resource link only
	// carries DESCRIBE-level visibility into the shared database.
	if err := callProvider(ctx, o.logger, "grant principals on source table", func() error {
		return o.auth.GrantPermissions(ctx, run.principals.List(), src, []Permission{PermissionDescribe, PermissionSelect}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant principals on source table %s: %w", it.Name, err)
	}

	linkName := ResourceLinkName(it.Name, it.DataFilterLabel)
	link := run.sharedResource(linkName)
	linkExists, err := o.auth.TableExists(ctx, link)
	if err != nil {
		return fmt.Errorf("sharing: check resource link %s: %w", linkName, err)
	}
	if !linkExists {
		if err := callProvider(ctx, o.logger, "create resource link", func() error {
			return o.auth.CreateResourceLink(ctx, link, src)
		}); err != nil {
			return fmt.Errorf("sharing: create resource link %s: %w", linkName, err)
		}
	}

	if err := callProvider(ctx, o.logger, "grant principals on resource link", func() error {
		return o.auth.GrantPermissions(ctx, run.principals.List(), link, []Permission{PermissionDescribe, PermissionSelect}, false)
	}); err != nil {
		return fmt.Errorf("sharing: grant principals on resource link %s: %w", linkName, err)
	}

	if err := o.local.GrantReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
		return fmt.Errorf("sharing: grant local read access: %w", err)
	}
	return nil
}

// grantCrossAccount performs the cross-account leg: drop the default
// everyone grant, grant the target account with grant option, then accept
// the pending sharing invitation. The accept is retried exactly once when
// the provider reports the invitation not yet visible.
func (o *TableOrchestrator) grantCrossAccount(ctx context.Context, run tableRun, src Resource) error {
	if err := callProvider(ctx, o.logger, "revoke default grant", func() error {
		return o.auth.RevokePermissions(ctx, []string{everyonePrincipal}, src, []Permission{PermissionAll}, false)
	}); err != nil {
		return fmt.Errorf("sharing: revoke default grant on %s: %w", src.Table, err)
	}
	if err := callProvider(ctx, o.logger, "grant target account", func() error {
		return o.auth.GrantPermissions(ctx, []string{run.data.TargetEnv.AccountID}, src,
			[]Permission{PermissionDescribe, PermissionSelect}, true)
	}); err != nil {
		return fmt.Errorf("sharing: grant target account on %s: %w", src.Table, err)
	}

	retryNeeded, err := o.invites.AcceptPendingInvitation(ctx, src, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region)
	if err != nil {
		return fmt.Errorf("sharing: accept sharing invitation for %s: %w", src.Table, err)
	}
	if retryNeeded {
		retryNeeded, err = o.invites.AcceptPendingInvitation(ctx, src, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region)
		if err != nil {
			return fmt.Errorf("sharing: accept sharing invitation for %s (retry): %w", src.Table, err)
		}
		if retryNeeded {
			return fmt.Errorf("sharing: sharing invitation for %s still not visible after retry", src.Table)
		}
	}
	return nil
}

// finishItem records the successful grant: Healthy with a timestamp, then
// the Success lifecycle transition.
func (o *TableOrchestrator) finishItem(ctx context.Context, run tableRun, it shares.ShareObjectItem) error {
	if err := o.store.UpdateItemHealth(ctx, it.ID, shares.HealthHealthy, "", time.Now().UTC()); err != nil {
		return fmt.Errorf("sharing: record item health: %w", err)
	}
	return o.transitionItem(ctx, it, shares.ActionSuccess)
}

// Revoke runs the revoke sequence with cross-share reference counting, plus
// the legacy-naming-only teardown paths.
func (o *TableOrchestrator) Revoke(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.failRun(ctx, data, items, "revoke", err)
	}

	sharedDBExists, err := o.auth.DatabaseExists(ctx, data.TargetEnv.AccountID, data.TargetEnv.Region, run.sharedDB)
	if err != nil {
		return o.failRun(ctx, data, items, "revoke", fmt.Errorf("sharing: check shared database %s: %w", run.sharedDB, err))
	}
	if sharedDBExists {
		// Revocation needs the same pivot authority a grant does.
		if err := callProvider(ctx, o.logger, "grant pivot on shared db", func() error {
			return o.auth.GrantPermissions(ctx, []string{run.pivotArn}, run.sharedResource(""), []Permission{PermissionAll}, false)
		}); err != nil {
			return o.failRun(ctx, data, items, "revoke", fmt.Errorf("sharing: grant pivot role on shared database %s: %w", run.sharedDB, err))
		}
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		if err := o.revokeItem(ctx, run, it, sharedDBExists); err != nil {
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

	o.teardownSharedDatabase(ctx, run)
	return outcomes
}

func (o *TableOrchestrator) revokeItem(ctx context.Context, run tableRun, it shares.ShareObjectItem, sharedDBExists bool) error {
	src := run.sourceTable(it.Name)
	exists, err := o.auth.TableExists(ctx, src)
	if err != nil {
		return fmt.Errorf("sharing: check source table %s: %w", it.Name, err)
	}
	if !exists {
		return fmt.Errorf("sharing: source table %s.%s: %w", src.Database, it.Name, ErrResourceNotFound)
	}

	linkName := ResourceLinkName(it.Name, it.DataFilterLabel)
	link := run.sharedResource(linkName)
	linkExists := false
	if sharedDBExists {
		linkExists, err = o.auth.TableExists(ctx, link)
		if err != nil {
			return fmt.Errorf("sharing: check resource link %s: %w", linkName, err)
		}
	}

	otherRefs, err := o.store.OtherSharesReferenceItem(ctx, run.data.TargetEnv.ID, it.ItemID, it.ID)
	if err != nil {
		return fmt.Errorf("sharing: check sibling share references: %w", err)
	}

	if linkExists {
		if err := callProvider(ctx, o.logger, "revoke principals on resource link", func() error {
			return o.auth.RevokePermissions(ctx, run.principals.List(), link, []Permission{PermissionDescribe, PermissionSelect}, false)
		}); err != nil {
			return fmt.Errorf("sharing: revoke principals on resource link %s: %w", linkName, err)
		}
		if err := callProvider(ctx, o.logger, "revoke principals on source table", func() error {
			return o.auth.RevokePermissions(ctx, run.principals.List(), src, []Permission{PermissionDescribe, PermissionSelect}, false)
		}); err != nil {
			return fmt.Errorf("sharing: revoke principals on source table %s: %w", it.Name, err)
		}
		if err := o.local.RevokeReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
			return fmt.Errorf("sharing: revoke local read access: %w", err)
		}
		// Resource links are shared across sibling shares under the new
		// naming scheme; only the legacy per-share database owns its links
		// exclusively.
		if !otherRefs && run.legacyDB {
			if err := callProvider(ctx, o.logger, "delete resource link", func() error {
				return o.auth.DeleteTable(ctx, link)
			}); err != nil {
				return fmt.Errorf("sharing: delete resource link %s: %w", linkName, err)
			}
		}
	} else {
		if err := o.local.RevokeReadAccess(ctx, run.data.Share.GroupID, it.ItemID); err != nil {
			return fmt.Errorf("sharing: revoke local read access: %w", err)
		}
	}

	if !otherRefs && run.crossAccount {
		if err := callProvider(ctx, o.logger, "revoke target account", func() error {
			return o.auth.RevokePermissions(ctx, []string{run.data.TargetEnv.AccountID}, src,
				[]Permission{PermissionDescribe, PermissionSelect}, true)
		}); err != nil {
			return fmt.Errorf("sharing: revoke target account on %s: %w", it.Name, err)
		}
	}
	return nil
}

// teardownSharedDatabase runs after all items: once the share holds no table
// item in a shared state, the principals' database-level grant goes away,
// and a legacy-named database is deleted outright. Failures here are
// alarmed but do not rewrite item outcomes; the verify sweep catches any
// residue.
func (o *TableOrchestrator) teardownSharedDatabase(ctx context.Context, run tableRun) {
	remaining, err := o.store.CountSharedItems(ctx, run.data.Share.ID, shares.KindTable)
	if err != nil {
		o.logger.Error("count remaining shared table items",
			slog.String("share_id", run.data.Share.ID), slog.Any("error", err))
		return
	}
	if remaining > 0 {
		return
	}
	if err := callProvider(ctx, o.logger, "revoke principals on shared db", func() error {
		return o.auth.RevokePermissions(ctx, run.principals.List(), run.sharedResource(""), []Permission{PermissionDescribe}, false)
	}); err != nil {
		o.alarmTeardown(ctx, run, err)
		return
	}
	if run.legacyDB {
		if err := callProvider(ctx, o.logger, "delete legacy shared db", func() error {
			return o.auth.DeleteDatabase(ctx, run.data.TargetEnv.AccountID, run.data.TargetEnv.Region, run.sharedDB)
		}); err != nil {
			o.alarmTeardown(ctx, run, err)
		}
	}
}

// Verify is the read-only mirror of Grant: it checks every grant without
// mutating anything and records health per item. Database-level
// discrepancies count against every item.
func (o *TableOrchestrator) Verify(ctx context.Context, data shares.ShareData, items []shares.ShareObjectItem) []ItemOutcome {
	run, err := o.initRun(ctx, data)
	if err != nil {
		return o.markAllUnhealthy(ctx, items, err.Error())
	}

	var dbProblems []string
	sharedDBExists, err := o.auth.DatabaseExists(ctx, data.TargetEnv.AccountID, data.TargetEnv.Region, run.sharedDB)
	if err != nil {
		dbProblems = append(dbProblems, fmt.Sprintf("shared database check failed: %v", err))
	} else if !sharedDBExists {
		dbProblems = append(dbProblems, fmt.Sprintf("shared database %s not found", run.sharedDB))
	} else {
		ok, err := o.auth.CheckPermissions(ctx, run.principals.List(), run.sharedResource(""), []Permission{PermissionDescribe})
		if err != nil {
			dbProblems = append(dbProblems, fmt.Sprintf("shared database permission check failed: %v", err))
		} else if !ok {
			dbProblems = append(dbProblems, fmt.Sprintf("principals missing DESCRIBE on shared database %s", run.sharedDB))
		}
	}

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		problems := append([]string{}, dbProblems...)
		problems = append(problems, o.verifyItem(ctx, run, it, sharedDBExists)...)

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

func (o *TableOrchestrator) verifyItem(ctx context.Context, run tableRun, it shares.ShareObjectItem, sharedDBExists bool) []string {
	var problems []string
	src := run.sourceTable(it.Name)
	exists, err := o.auth.TableExists(ctx, src)
	if err != nil {
		problems = append(problems, fmt.Sprintf("source table check failed: %v", err))
	} else if !exists {
		problems = append(problems, fmt.Sprintf("source table %s.%s not found", src.Database, it.Name))
	} else {
		ok, err := o.auth.CheckPermissions(ctx, run.principals.List(), src, []Permission{PermissionDescribe, PermissionSelect})
		if err != nil {
			problems = append(problems, fmt.Sprintf("source table permission check failed: %v", err))
		} else if !ok {
			problems = append(problems, fmt.Sprintf("principals missing SELECT on source table %s", it.Name))
		}
	}

	if run.crossAccount {
		ok, err := o.auth.CheckPermissions(ctx, []string{run.data.TargetEnv.AccountID}, src,
			[]Permission{PermissionDescribe, PermissionSelect})
		if err != nil {
			problems = append(problems, fmt.Sprintf("cross-account grant check failed: %v", err))
		} else if !ok {
			problems = append(problems, fmt.Sprintf("target account missing grant on %s", it.Name))
		}
	}

	linkName := ResourceLinkName(it.Name, it.DataFilterLabel)
	link := run.sharedResource(linkName)
	if sharedDBExists {
		linkExists, err := o.auth.TableExists(ctx, link)
		if err != nil {
			problems = append(problems, fmt.Sprintf("resource link check failed: %v", err))
		} else if !linkExists {
			problems = append(problems, fmt.Sprintf("resource link %s not found", linkName))
		} else {
			ok, err := o.auth.CheckPermissions(ctx, run.principals.List(), link,
				[]Permission{PermissionDescribe, PermissionSelect})
			if err != nil {
				problems = append(problems, fmt.Sprintf("resource link permission check failed: %v", err))
			} else if !ok {
				problems = append(problems, fmt.Sprintf("principals missing SELECT on resource link %s", linkName))
			}
		}
	}

	ok, err := o.local.HasReadAccess(ctx, run.data.Share.GroupID, it.ItemID)
	if err != nil {
		problems = append(problems, fmt.Sprintf("local read access check failed: %v", err))
	} else if !ok {
		problems = append(problems, fmt.Sprintf("group %s missing local read access", run.data.Share.GroupID))
	}
	return problems
}

func (o *TableOrchestrator) alarmTeardown(ctx context.Context, run tableRun, cause error) {
	o.logger.Error("shared database teardown failed",
		slog.String("share_id", run.data.Share.ID),
		slog.String("shared_db", run.sharedDB),
		slog.Any("error", cause),
	)
	event := notify.FailureEvent{
		ShareID:       run.data.Share.ID,
		DatasetID:     run.data.Dataset.ID,
		SourceAccount: run.source.AccountID,
		SourceRegion:  run.source.Region,
		TargetAccount: run.data.TargetEnv.AccountID,
		TargetRegion:  run.data.TargetEnv.Region,
		Operation:     "revoke-teardown",
		Err:           cause,
		At:            time.Now().UTC(),
	}
	if err := o.alarms.ReportShareFailure(ctx, event); err != nil {
		o.logger.Error("report share failure", slog.Any("error", err))
	}
}
