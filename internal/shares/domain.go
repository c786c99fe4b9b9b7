package shares

import (
	"errors"
	"time"
)

// ShareObjectStatus is the lifecycle status of a share request.
type ShareObjectStatus string

const (
	ObjectDraft                 ShareObjectStatus = "Draft"
	ObjectSubmitted             ShareObjectStatus = "Submitted"
	ObjectApproved              ShareObjectStatus = "Approved"
	ObjectRejected              ShareObjectStatus = "Rejected"
	ObjectShareInProgress       ShareObjectStatus = "Share_In_Progress"
	ObjectRevokeInProgress      ShareObjectStatus = "Revoke_In_Progress"
	ObjectProcessed             ShareObjectStatus = "Processed"
	ObjectRevoked               ShareObjectStatus = "Revoked"
	ObjectSubmittedForExtension ShareObjectStatus = "Submitted_For_Extension"
	ObjectExtensionRejected     ShareObjectStatus = "Extension_Rejected"
	ObjectDeleted               ShareObjectStatus = "Deleted"
)

// ShareItemStatus is the lifecycle status of a single shared resource. It is
// richer than the object status because grant and revoke outcomes are tracked
// per item.
type ShareItemStatus string

const (
	ItemPendingApproval  ShareItemStatus = "PendingApproval"
	ItemShareApproved    ShareItemStatus = "Share_Approved"
	ItemShareInProgress  ShareItemStatus = "Share_In_Progress"
	ItemShareSucceeded   ShareItemStatus = "Share_Succeeded"
	ItemShareFailed      ShareItemStatus = "Share_Failed"
	ItemShareRejected    ShareItemStatus = "Share_Rejected"
	ItemRevokeApproved   ShareItemStatus = "Revoke_Approved"
	ItemRevokeInProgress ShareItemStatus = "Revoke_In_Progress"
	ItemRevokeSucceeded  ShareItemStatus = "Revoke_Succeeded"
	ItemRevokeFailed     ShareItemStatus = "Revoke_Failed"
	ItemPendingExtension ShareItemStatus = "PendingExtension"
	ItemDeleted          ShareItemStatus = "Deleted"
)

// SharedStates lists the item states in which an external grant is live. A
// share holding any item in one of these states must not be hard-deleted.
func SharedStates() []ShareItemStatus {
	return []ShareItemStatus{
		ItemShareSucceeded,
		ItemShareInProgress,
		ItemRevokeApproved,
		ItemRevokeInProgress,
		ItemRevokeFailed,
	}
}

// HealthStatus is the point-in-time verification result for an item.
type HealthStatus string

const (
	HealthHealthy        HealthStatus = "Healthy"
	HealthUnhealthy      HealthStatus = "Unhealthy"
	HealthUnknown        HealthStatus = "Unknown"
	HealthPendingVerify  HealthStatus = "PendingVerify"
	HealthPendingReApply HealthStatus = "PendingReApply"
)

// PrincipalType classifies the identity requesting access.
type PrincipalType string

const (
	PrincipalGroup           PrincipalType = "Group"
	PrincipalConsumptionRole PrincipalType = "ConsumptionRole"
	PrincipalExternalRole    PrincipalType = "ExternalRole"
)

// ShareableKind is the closed set of resource kinds a share item can point
// at. Dispatch selects the orchestrator implementation by kind.
type ShareableKind string

const (
	KindTable    ShareableKind = "Table"
	KindFolder   ShareableKind = "Folder"
	KindDatabase ShareableKind = "Database"
)

// ShareObject is one sharing relationship between a dataset and a principal.
type ShareObject struct {
	ID                string
	DatasetID         string
	EnvironmentID     string
	GroupID           string
	PrincipalID       string
	PrincipalType     PrincipalType
	PrincipalRoleName string
	Status            ShareObjectStatus
	Owner             string
	RequestPurpose    string
	RejectPurpose     string
	ExtensionPurpose  string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// ShareObjectItem is one shareable resource attached to a share.
type ShareObjectItem struct {
	ID              string
	ShareID         string
	ItemID          string
	Kind            ShareableKind
	Name            string
	Status          ShareItemStatus
	HealthStatus    HealthStatus
	HealthMessage   string
	LastVerifiedAt  *time.Time
	DataFilterLabel string
	Owner           string
	CreatedAt       time.Time
}

// Dataset is the catalog read model a share points at. The physical data and
// glue database live in the source environment's account unless a catalog
// account indirection is configured, in which case CatalogAccountID points at
// the third account actually holding the database.
type Dataset struct {
	ID               string
	Name             string
	EnvironmentID    string
	DatabaseName     string
	BucketName       string
	AdminGroupID     string
	StewardsID       string
	AutoApprove      bool
	CatalogAccountID string
	CatalogRegion    string
	CatalogDatabase  string
}

// Environment is an onboarded account/region pair.
type Environment struct {
	ID             string
	Name           string
	AccountID      string
	Region         string
	ResourcePrefix string
	BIGroupEnabled bool
}

// ShareData bundles everything an orchestration run needs about one share.
// Assembled fresh at the start of every run.
type ShareData struct {
	Share     ShareObject
	Dataset   Dataset
	SourceEnv Environment
	TargetEnv Environment
}

var (
	// ErrNotFound indicates the share or item does not exist.
	ErrNotFound = errors.New("shares: not found")
	// ErrNoPendingItems occurs when a submit finds nothing to approve.
	ErrNoPendingItems = errors.New("shares: request has no pending items")
	// ErrShareItemsRemain blocks deletion while grants are still live.
	ErrShareItemsRemain = errors.New("shares: share has items in a shared state")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("shares: invalid input")
	// ErrAlreadyExists indicates an identity-tuple collision on insert.
	ErrAlreadyExists = errors.New("shares: already exists")
)
