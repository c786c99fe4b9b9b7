package sharing

import (
	"context"
	"fmt"
	"sync"
)

// DevBackend is an in-memory implementation of every provider port. It backs
// the dev/dry-run provider mode of the worker and the orchestrator tests;
// production deployments bind real cloud implementations instead.
//
// All state is keyed by fully qualified resource paths so cross-account
// behavior (same database name in two accounts) is modeled faithfully.
type DevBackend struct {
	mu sync.Mutex

	databases map[string]bool
	tables    map[string]bool
	grants    map[string]bool
	prefixes  map[string]bool

	accessPoints map[string]bool
	apGrants     map[string]bool
	delegations  map[string]bool

	localReads map[string]bool

	roles       map[string]string
	accountTags map[string]string
	pivotOK     map[string]bool

	// RetryFirstAccept makes the first invitation accept per resource
	// report retryNeeded, modeling eventual consistency.
	RetryFirstAccept bool
	acceptCalls      map[string]int
}

// NewDevBackend constructs an empty backend.
func NewDevBackend() *DevBackend {
	return &DevBackend{
		databases:    map[string]bool{},
		tables:       map[string]bool{},
		grants:       map[string]bool{},
		prefixes:     map[string]bool{},
		accessPoints: map[string]bool{},
		apGrants:     map[string]bool{},
		delegations:  map[string]bool{},
		localReads:   map[string]bool{},
		roles:        map[string]string{},
		accountTags:  map[string]string{},
		pivotOK:      map[string]bool{},
		acceptCalls:  map[string]int{},
	}
}

func dbKey(account, region, name string) string { return account + "/" + region + "/" + name }

func tableKey(res Resource) string {
	return res.AccountID + "/" + res.Region + "/" + res.Database + "/" + res.Table
}

func grantKey(principal string, res Resource, perm Permission) string {
	return principal + "@" + tableKey(res) + "#" + string(perm)
}

// SeedTable registers a source table (and its database) as existing.
func (b *DevBackend) SeedTable(res Resource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.databases[dbKey(res.AccountID, res.Region, res.Database)] = true
	b.tables[tableKey(res)] = true
}

// SeedRole registers a resolvable role.
func (b *DevBackend) SeedRole(accountID, roleName, arn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles[accountID+"/"+roleName] = arn
}

// SeedAccountTag sets a tag on an account for catalog trust checks.
func (b *DevBackend) SeedAccountTag(accountID, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountTags[accountID+"/"+key] = value
}

// SeedPivotRole marks the pivot role assumable in an account.
func (b *DevBackend) SeedPivotRole(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pivotOK[accountID] = true
}

// SeedPrefix registers a storage prefix as existing.
func (b *DevBackend) SeedPrefix(accountID, region, bucket, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefixes[accountID+"/"+region+"/"+bucket+"/"+prefix] = true
}

// DropTable removes a table, modeling a source resource that vanished.
func (b *DevBackend) DropTable(res Resource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables, tableKey(res))
}

// AcceptCalls reports how many invitation accepts were issued for a
// resource.
func (b *DevBackend) AcceptCalls(res Resource) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptCalls[tableKey(res)]
}

// HasGrant reports whether a principal currently holds a permission.
func (b *DevBackend) HasGrant(principal string, res Resource, perm Permission) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grants[grantKey(principal, res, perm)]
}

// --- AuthorizationProvider ---

func (b *DevBackend) GrantPermissions(_ context.Context, principals []string, res Resource, perms []Permission, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		for _, perm := range perms {
			b.grants[grantKey(p, res, perm)] = true
		}
	}
	return nil
}

func (b *DevBackend) RevokePermissions(_ context.Context, principals []string, res Resource, perms []Permission, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		for _, perm := range perms {
			delete(b.grants, grantKey(p, res, perm))
		}
	}
	return nil
}

func (b *DevBackend) CheckPermissions(_ context.Context, principals []string, res Resource, perms []Permission) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		for _, perm := range perms {
			if !b.grants[grantKey(p, res, perm)] {
				return false, nil
			}
		}
	}
	return true, nil
}

func (b *DevBackend) DatabaseExists(_ context.Context, accountID, region, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.databases[dbKey(accountID, region, name)], nil
}

func (b *DevBackend) CreateDatabase(_ context.Context, accountID, region, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.databases[dbKey(accountID, region, name)] = true
	return nil
}

func (b *DevBackend) DeleteDatabase(_ context.Context, accountID, region, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.databases, dbKey(accountID, region, name))
	return nil
}

func (b *DevBackend) TableExists(_ context.Context, res Resource) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables[tableKey(res)], nil
}

func (b *DevBackend) CreateResourceLink(_ context.Context, link Resource, source Resource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.databases[dbKey(link.AccountID, link.Region, link.Database)] {
		return fmt.Errorf("sharing: database %s not found for resource link", link.Database)
	}
	b.tables[tableKey(link)] = true
	return nil
}

func (b *DevBackend) DeleteTable(_ context.Context, res Resource) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables, tableKey(res))
	return nil
}

// --- InvitationProvider ---

func (b *DevBackend) AcceptPendingInvitation(_ context.Context, source Resource, _, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := tableKey(source)
	b.acceptCalls[key]++
	if b.RetryFirstAccept && b.acceptCalls[key] == 1 {
		return true, nil
	}
	return false, nil
}

// --- RoleResolver ---

func (b *DevBackend) GetRoleArn(_ context.Context, accountID, roleName string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roles[accountID+"/"+roleName], nil
}

// --- TrustVerifier ---

func (b *DevBackend) AccountTag(_ context.Context, accountID, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accountTags[accountID+"/"+key], nil
}

func (b *DevBackend) PivotRoleAssumable(_ context.Context, accountID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pivotOK[accountID], nil
}

// --- LocalGrants ---

func (b *DevBackend) GrantReadAccess(_ context.Context, groupID, itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localReads[groupID+"/"+itemID] = true
	return nil
}

func (b *DevBackend) RevokeReadAccess(_ context.Context, groupID, itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.localReads, groupID+"/"+itemID)
	return nil
}

func (b *DevBackend) HasReadAccess(_ context.Context, groupID, itemID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localReads[groupID+"/"+itemID], nil
}

// --- AccessPointProvider ---

func (b *DevBackend) PrefixExists(_ context.Context, accountID, region, bucket, prefix string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefixes[accountID+"/"+region+"/"+bucket+"/"+prefix], nil
}

func (b *DevBackend) EnsureBucketDelegation(_ context.Context, accountID, region, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegations[accountID+"/"+region+"/"+bucket] = true
	return nil
}

func (b *DevBackend) AccessPointExists(_ context.Context, accountID, region, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessPoints[accountID+"/"+region+"/"+name], nil
}

func (b *DevBackend) CreateAccessPoint(_ context.Context, accountID, region, bucket, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.delegations[accountID+"/"+region+"/"+bucket] {
		return fmt.Errorf("sharing: bucket %s has no delegation statement", bucket)
	}
	b.accessPoints[accountID+"/"+region+"/"+name] = true
	return nil
}

func (b *DevBackend) DeleteAccessPoint(_ context.Context, accountID, region, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.accessPoints, accountID+"/"+region+"/"+name)
	return nil
}

func (b *DevBackend) GrantPrefixAccess(_ context.Context, accountID, region, name string, principals []string, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		b.apGrants[accountID+"/"+region+"/"+name+"/"+prefix+"@"+p] = true
	}
	return nil
}

func (b *DevBackend) RevokePrefixAccess(_ context.Context, accountID, region, name string, principals []string, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		delete(b.apGrants, accountID+"/"+region+"/"+name+"/"+prefix+"@"+p)
	}
	return nil
}

func (b *DevBackend) CheckPrefixAccess(_ context.Context, accountID, region, name string, principals []string, prefix string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range principals {
		if !b.apGrants[accountID+"/"+region+"/"+name+"/"+prefix+"@"+p] {
			return false, nil
		}
	}
	return true, nil
}
