// Package sharing holds the grant/revoke orchestration core: per-kind
// orchestrators that translate share items into ordered sequences of external
// authorization calls, the dispatcher that routes items to them, and the
// ports those calls go through. Concrete cloud bindings live behind the port
// interfaces and are out of scope here.
package sharing

import (
	"context"
	"errors"
)

// Sentinel error kinds of the orchestration core. Providers wrap their own
// failures around these so orchestrators can classify without knowing the
// provider's SDK.
var (
	// ErrResourceNotFound means the source table or prefix no longer
	// physically exists. Fails only the affected item.
	ErrResourceNotFound = errors.New("sharing: source resource not found")
	// ErrPrincipalNotFound means the target role is missing. Fails the
	// whole run before any grant is attempted.
	ErrPrincipalNotFound = errors.New("sharing: target principal not found")
	// ErrUntrustedCatalogAccount means the catalog account indirection
	// failed verification. Fails the run before any mutation.
	ErrUntrustedCatalogAccount = errors.New("sharing: catalog account not trusted")
	// ErrAlreadyApplied is how providers report an idempotent no-op, e.g.
	// granting a permission that already exists. Never treated as failure.
	ErrAlreadyApplied = errors.New("sharing: already applied")
	// ErrTransient marks throttling and concurrent-modification failures
	// that are worth a bounded retry at the call site.
	ErrTransient = errors.New("sharing: transient provider error")
)

// Permission is one grantable capability in the external authorization
// system.
type Permission string

const (
	PermissionAll      Permission = "ALL"
	PermissionDescribe Permission = "DESCRIBE"
	PermissionSelect   Permission = "SELECT"
)

// Resource addresses a database or table in a specific account and region.
// Table is empty for database-level resources.
type Resource struct {
	AccountID string
	Region    string
	Database  string
	Table     string
}

// AuthorizationProvider models the external grant system. Every method must
// be safe to call repeatedly with the same arguments; an operation that is
// already in the requested state returns nil or ErrAlreadyApplied, never a
// generic failure.
type AuthorizationProvider interface {
	GrantPermissions(ctx context.Context, principals []string, res Resource, perms []Permission, grantOption bool) error
	RevokePermissions(ctx context.Context, principals []string, res Resource, perms []Permission, grantOption bool) error
	CheckPermissions(ctx context.Context, principals []string, res Resource, perms []Permission) (bool, error)
	DatabaseExists(ctx context.Context, accountID, region, name string) (bool, error)
	CreateDatabase(ctx context.Context, accountID, region, name string) error
	DeleteDatabase(ctx context.Context, accountID, region, name string) error
	TableExists(ctx context.Context, res Resource) (bool, error)
	CreateResourceLink(ctx context.Context, link Resource, source Resource) error
	DeleteTable(ctx context.Context, res Resource) error
}

// InvitationProvider models RAM-style cross-account sharing invitations.
// retryNeeded=true means the invitation is not yet visible (eventual
// consistency) and the caller should retry the accept exactly once.
type InvitationProvider interface {
	AcceptPendingInvitation(ctx context.Context, source Resource, targetAccount, targetRegion string) (retryNeeded bool, err error)
}

// RoleResolver maps a role name in an account to its ARN. Returns ("", nil)
// when the role does not exist.
type RoleResolver interface {
	GetRoleArn(ctx context.Context, accountID, roleName string) (string, error)
}

// TrustVerifier checks the catalog-account indirection preconditions: the
// trust tag on the catalog account and the assumability of the platform's
// pivot role there.
type TrustVerifier interface {
	AccountTag(ctx context.Context, accountID, key string) (string, error)
	PivotRoleAssumable(ctx context.Context, accountID string) (bool, error)
}

// LocalGrants is the platform-internal (non-cloud) read authorization for
// the requesting group, granted and revoked alongside the external grants.
type LocalGrants interface {
	GrantReadAccess(ctx context.Context, groupID, itemID string) error
	RevokeReadAccess(ctx context.Context, groupID, itemID string) error
	HasReadAccess(ctx context.Context, groupID, itemID string) (bool, error)
}

// AccessPointProvider models the storage side used for folder shares: bucket
// delegation, access points, and per-prefix policy statements. Idempotency
// expectations match AuthorizationProvider.
type AccessPointProvider interface {
	PrefixExists(ctx context.Context, accountID, region, bucket, prefix string) (bool, error)
	EnsureBucketDelegation(ctx context.Context, accountID, region, bucket string) error
	AccessPointExists(ctx context.Context, accountID, region, name string) (bool, error)
	CreateAccessPoint(ctx context.Context, accountID, region, bucket, name string) error
	DeleteAccessPoint(ctx context.Context, accountID, region, name string) error
	GrantPrefixAccess(ctx context.Context, accountID, region, name string, principals []string, prefix string) error
	RevokePrefixAccess(ctx context.Context, accountID, region, name string, principals []string, prefix string) error
	CheckPrefixAccess(ctx context.Context, accountID, region, name string, principals []string, prefix string) (bool, error)
}
