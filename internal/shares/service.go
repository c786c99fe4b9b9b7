package shares

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-data/lakeshare/internal/notify"
)

// RepositoryPort is the persistence surface the service needs. Satisfied by
// *Repository; tests substitute an in-memory implementation.
type RepositoryPort interface {
	GetShare(ctx context.Context, id string) (ShareObject, error)
	FindShare(ctx context.Context, datasetID, environmentID, principalID, groupID string) (ShareObject, error)
	CreateShare(ctx context.Context, s ShareObject) error
	UpdateShareStatus(ctx context.Context, id string, status ShareObjectStatus) error
	UpdateRequestPurpose(ctx context.Context, id, purpose string) error
	UpdateRejectPurpose(ctx context.Context, id, purpose string) error
	UpdateExtension(ctx context.Context, id, purpose string, expiresAt *time.Time) error
	SoftDeleteShare(ctx context.Context, id string) error
	GetDataset(ctx context.Context, id string) (Dataset, error)
	FindShareItem(ctx context.Context, shareID, itemID string) (ShareObjectItem, error)
	AddShareItem(ctx context.Context, it ShareObjectItem) error
	ListShareItems(ctx context.Context, shareID string, statuses []ShareItemStatus, health []HealthStatus) ([]ShareObjectItem, error)
	UpdateItemStatus(ctx context.Context, itemID string, status ShareItemStatus) error
	DeleteShareItem(ctx context.Context, itemID string) error
	HasPendingItems(ctx context.Context, shareID string) (bool, error)
	HasSharedItems(ctx context.Context, shareID string) (bool, error)
}

// ActivitySink records lifecycle history. Satisfied by *ActivityRecorder.
type ActivitySink interface {
	Record(ctx context.Context, log ActivityLog) error
}

// RunOp names a background share-processing run the service can request.
type RunOp string

const (
	RunApprove RunOp = "approve"
	RunRevoke  RunOp = "revoke"
	RunVerify  RunOp = "verify"
	RunReapply RunOp = "reapply"
)

// RunEnqueuer hands a share off to the background processor. Implemented by
// the jobs client.
type RunEnqueuer interface {
	EnqueueShareRun(ctx context.Context, op RunOp, shareID string) error
}

// NopEnqueuer drops run requests. Used in tests.
type NopEnqueuer struct{}

func (NopEnqueuer) EnqueueShareRun(context.Context, RunOp, string) error { return nil }

// Service owns the user-facing share lifecycle: create, item management,
// submit/approve/reject, extensions and deletion. Orchestration runs are
// handed to the background processor through the enqueuer.
type Service struct {
	repo     RepositoryPort
	authz    Authorizer
	notifier notify.Notifier
	activity ActivitySink
	enqueue  RunEnqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, authz Authorizer, notifier notify.Notifier, activity ActivitySink, enqueue RunEnqueuer, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		authz:    authz,
		notifier: notifier,
		activity: activity,
		enqueue:  enqueue,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateShareRequest opens a new share request for a dataset.
type CreateShareRequest struct {
	DatasetID         string        `validate:"required"`
	TargetEnvID       string        `validate:"required"`
	GroupID           string        `validate:"required"`
	PrincipalID       string        `validate:"required"`
	PrincipalType     PrincipalType `validate:"required,oneof=Group ConsumptionRole ExternalRole"`
	PrincipalRoleName string        `validate:"required"`
	RequestPurpose    string        `validate:"max=2000"`
	ExpiresAt         *time.Time
	Actor             string `validate:"required"`
}

// CreateShare opens a share in Draft status. Creation is idempotent over the
// (dataset, target environment, principal, group) identity tuple: a second
// request for the same tuple returns the existing share.
func (s *Service) CreateShare(ctx context.Context, req CreateShareRequest) (ShareObject, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, req.DatasetID, PermCreateShare); err != nil {
		return ShareObject{}, err
	}
	if _, err := s.repo.GetDataset(ctx, req.DatasetID); err != nil {
		return ShareObject{}, fmt.Errorf("shares: load dataset %s: %w", req.DatasetID, err)
	}

	existing, err := s.repo.FindShare(ctx, req.DatasetID, req.TargetEnvID, req.PrincipalID, req.GroupID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ShareObject{}, err
	}

	share := ShareObject{
		ID:                uuid.NewString(),
		DatasetID:         req.DatasetID,
		EnvironmentID:     req.TargetEnvID,
		GroupID:           req.GroupID,
		PrincipalID:       req.PrincipalID,
		PrincipalType:     req.PrincipalType,
		PrincipalRoleName: req.PrincipalRoleName,
		Status:            ObjectDraft,
		Owner:             req.Actor,
		RequestPurpose:    req.RequestPurpose,
		ExpiresAt:         req.ExpiresAt,
	}
	if err := s.repo.CreateShare(ctx, share); err != nil {
		// Two concurrent requests for the same tuple race past FindShare;
		// the unique constraint breaks the tie.
		if errors.Is(err, ErrAlreadyExists) {
			return s.repo.FindShare(ctx, req.DatasetID, req.TargetEnvID, req.PrincipalID, req.GroupID)
		}
		return ShareObject{}, fmt.Errorf("shares: create share: %w", err)
	}
	s.recordActivity(ctx, share.ID, req.Actor, ActionAddItem, "share request created")
	return share, nil
}

// AddItemRequest attaches one shareable resource to a share.
type AddItemRequest struct {
	ShareID         string        `validate:"required"`
	ItemID          string        `validate:"required"`
	Kind            ShareableKind `validate:"required,oneof=Table Folder Database"`
	Name            string        `validate:"required"`
	DataFilterLabel string
	Actor           string `validate:"required"`
}

// AddItem attaches a resource in PendingApproval. Adding to a submitted,
// rejected or processed share moves the share back to Draft; adding the same
// resource twice returns the existing item.
func (s *Service) AddItem(ctx context.Context, req AddItemRequest) (ShareObjectItem, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObjectItem{}, err
	}
	share, err := s.repo.GetShare(ctx, req.ShareID)
	if err != nil {
		return ShareObjectItem{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, share.DatasetID, PermCreateShare); err != nil {
		return ShareObjectItem{}, err
	}

	existing, err := s.repo.FindShareItem(ctx, req.ShareID, req.ItemID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ShareObjectItem{}, err
	}

	if _, err := s.transitionShare(ctx, share, ActionAddItem); err != nil {
		return ShareObjectItem{}, err
	}
	item := ShareObjectItem{
		ID:              uuid.NewString(),
		ShareID:         req.ShareID,
		ItemID:          req.ItemID,
		Kind:            req.Kind,
		Name:            req.Name,
		Status:          ItemPendingApproval,
		HealthStatus:    HealthUnknown,
		DataFilterLabel: req.DataFilterLabel,
		Owner:           req.Actor,
	}
	if err := s.repo.AddShareItem(ctx, item); err != nil {
		return ShareObjectItem{}, fmt.Errorf("shares: add share item: %w", err)
	}
	return item, nil
}

// RemoveItem detaches a resource that is not in a shared state.
func (s *Service) RemoveItem(ctx context.Context, shareID, itemID, actor string) error {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermCreateShare); err != nil {
		return err
	}
	item, err := s.repo.FindShareItem(ctx, shareID, itemID)
	if err != nil {
		return err
	}
	if _, err := NewItemStateMachine(item.Status).Run(ActionRemoveItem); err != nil {
		return err
	}
	return s.repo.DeleteShareItem(ctx, item.ID)
}

// SubmitShareRequest submits a draft for approval.
type SubmitShareRequest struct {
	ShareID        string `validate:"required"`
	RequestPurpose string `validate:"max=2000"`
	Actor          string `validate:"required"`
}

// SubmitShare moves a draft to Submitted. A dataset configured for
// auto-approval is approved in the same call.
func (s *Service) SubmitShare(ctx context.Context, req SubmitShareRequest) (ShareObject, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObject{}, err
	}
	share, err := s.repo.GetShare(ctx, req.ShareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, share.DatasetID, PermSubmitShare); err != nil {
		return ShareObject{}, err
	}
	pending, err := s.repo.HasPendingItems(ctx, share.ID)
	if err != nil {
		return ShareObject{}, err
	}
	if !pending {
		return ShareObject{}, ErrNoPendingItems
	}
	if req.RequestPurpose != "" {
		if err := s.repo.UpdateRequestPurpose(ctx, share.ID, req.RequestPurpose); err != nil {
			return ShareObject{}, err
		}
	}

	if err := s.transitionItems(ctx, share.ID, ActionSubmit); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionSubmit)
	if err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, req.Actor, ActionSubmit, "share request submitted")
	s.notifyLifecycle(ctx, share, req.Actor, notify.ShareSubmitted)

	dataset, err := s.repo.GetDataset(ctx, share.DatasetID)
	if err != nil {
		return ShareObject{}, err
	}
	if dataset.AutoApprove {
		return s.approve(ctx, share, req.Actor)
	}
	return share, nil
}

// ApproveShare approves a submitted share and hands it to the background
// processor for granting.
func (s *Service) ApproveShare(ctx context.Context, shareID, actor string) (ShareObject, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermApproveShare); err != nil {
		return ShareObject{}, err
	}
	return s.approve(ctx, share, actor)
}

func (s *Service) approve(ctx context.Context, share ShareObject, actor string) (ShareObject, error) {
	if err := s.transitionItems(ctx, share.ID, ActionApprove); err != nil {
		return ShareObject{}, err
	}
	share, err := s.transitionShare(ctx, share, ActionApprove)
	if err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, actor, ActionApprove, "share request approved")
	s.notifyLifecycle(ctx, share, actor, notify.ShareApproved)
	if err := s.enqueue.EnqueueShareRun(ctx, RunApprove, share.ID); err != nil {
		return ShareObject{}, fmt.Errorf("shares: enqueue approve run: %w", err)
	}
	return share, nil
}

// RejectShareRequest rejects a submitted share with a reason.
type RejectShareRequest struct {
	ShareID       string `validate:"required"`
	RejectPurpose string `validate:"required,max=2000"`
	Actor         string `validate:"required"`
}

// RejectShare rejects a submitted share.
func (s *Service) RejectShare(ctx context.Context, req RejectShareRequest) (ShareObject, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObject{}, err
	}
	share, err := s.repo.GetShare(ctx, req.ShareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, share.DatasetID, PermRejectShare); err != nil {
		return ShareObject{}, err
	}
	if err := s.transitionItems(ctx, share.ID, ActionReject); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionReject)
	if err != nil {
		return ShareObject{}, err
	}
	if err := s.repo.UpdateRejectPurpose(ctx, share.ID, req.RejectPurpose); err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, req.Actor, ActionReject, "share request rejected")
	s.notifyLifecycle(ctx, share, req.Actor, notify.ShareRejected)
	return share, nil
}

// RevokeItemsRequest asks for live grants on the named items to be removed.
type RevokeItemsRequest struct {
	ShareID string   `validate:"required"`
	ItemIDs []string `validate:"required,min=1,dive,required"`
	Actor   string   `validate:"required"`
}

// RevokeItems marks the given items for revocation and hands the share to
// the background processor.
func (s *Service) RevokeItems(ctx context.Context, req RevokeItemsRequest) (ShareObject, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObject{}, err
	}
	share, err := s.repo.GetShare(ctx, req.ShareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, share.DatasetID, PermApproveShare); err != nil {
		return ShareObject{}, err
	}

	for _, itemID := range req.ItemIDs {
		item, err := s.repo.FindShareItem(ctx, share.ID, itemID)
		if err != nil {
			return ShareObject{}, fmt.Errorf("shares: item %s: %w", itemID, err)
		}
		next, err := NewItemStateMachine(item.Status).Run(ActionRevokeItems)
		if err != nil {
			return ShareObject{}, err
		}
		if next != item.Status {
			if err := s.repo.UpdateItemStatus(ctx, item.ID, next); err != nil {
				return ShareObject{}, err
			}
		}
	}

	share, err = s.transitionShare(ctx, share, ActionRevokeItems)
	if err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, req.Actor, ActionRevokeItems, "share items marked for revocation")
	s.notifyLifecycle(ctx, share, req.Actor, notify.ShareRevoked)
	if err := s.enqueue.EnqueueShareRun(ctx, RunRevoke, share.ID); err != nil {
		return ShareObject{}, fmt.Errorf("shares: enqueue revoke run: %w", err)
	}
	return share, nil
}

// DeleteShare soft-deletes a share. Blocked while any item holds a live
// grant; those must be revoked first.
func (s *Service) DeleteShare(ctx context.Context, shareID, actor string) error {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermDeleteShare); err != nil {
		return err
	}
	shared, err := s.repo.HasSharedItems(ctx, share.ID)
	if err != nil {
		return err
	}
	if shared {
		return ErrShareItemsRemain
	}
	if _, err := NewObjectStateMachine(share.Status).Run(ActionDelete); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteShare(ctx, share.ID); err != nil {
		return err
	}
	s.recordActivity(ctx, share.ID, actor, ActionDelete, "share request deleted")
	return nil
}

// Cleanup is the best-effort teardown: live grants are queued for
// revocation, a share with nothing granted is deleted outright.
func (s *Service) Cleanup(ctx context.Context, shareID, actor string) error {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermDeleteShare); err != nil {
		return err
	}
	shared, err := s.repo.HasSharedItems(ctx, share.ID)
	if err != nil {
		return err
	}
	if !shared {
		if err := s.repo.SoftDeleteShare(ctx, share.ID); err != nil {
			return err
		}
		s.recordActivity(ctx, share.ID, actor, ActionDelete, "share request cleaned up")
		return nil
	}

	items, err := s.repo.ListShareItems(ctx, share.ID, SharedStates(), nil)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	_, err = s.RevokeItems(ctx, RevokeItemsRequest{ShareID: share.ID, ItemIDs: ids, Actor: actor})
	return err
}

// ExtensionRequest asks for a later expiration on a processed share.
type ExtensionRequest struct {
	ShareID   string     `validate:"required"`
	Purpose   string     `validate:"required,max=2000"`
	ExpiresAt *time.Time `validate:"required"`
	Actor     string     `validate:"required"`
}

// SubmitExtension requests an extension of the share's expiration.
func (s *Service) SubmitExtension(ctx context.Context, req ExtensionRequest) (ShareObject, error) {
	if err := s.validateReq(req); err != nil {
		return ShareObject{}, err
	}
	share, err := s.repo.GetShare(ctx, req.ShareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, req.Actor, share.DatasetID, PermExtendShare); err != nil {
		return ShareObject{}, err
	}
	if err := s.transitionItems(ctx, share.ID, ActionExtension); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionExtension)
	if err != nil {
		return ShareObject{}, err
	}
	if err := s.repo.UpdateExtension(ctx, share.ID, req.Purpose, req.ExpiresAt); err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, req.Actor, ActionExtension, "share extension requested")
	s.notifyLifecycle(ctx, share, req.Actor, notify.ShareExtensionRequested)
	return share, nil
}

// ApproveExtension accepts the requested expiration.
func (s *Service) ApproveExtension(ctx context.Context, shareID, actor string) (ShareObject, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermExtendShare); err != nil {
		return ShareObject{}, err
	}
	if err := s.transitionItems(ctx, share.ID, ActionExtensionApprove); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionExtensionApprove)
	if err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, actor, ActionExtensionApprove, "share extension approved")
	s.notifyLifecycle(ctx, share, actor, notify.ShareExtensionApproved)
	return share, nil
}

// RejectExtension declines the requested expiration, keeping the original.
func (s *Service) RejectExtension(ctx context.Context, shareID, reason, actor string) (ShareObject, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermExtendShare); err != nil {
		return ShareObject{}, err
	}
	if err := s.transitionItems(ctx, share.ID, ActionExtensionReject); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionExtensionReject)
	if err != nil {
		return ShareObject{}, err
	}
	if reason != "" {
		if err := s.repo.UpdateRejectPurpose(ctx, share.ID, reason); err != nil {
			return ShareObject{}, err
		}
	}
	s.recordActivity(ctx, share.ID, actor, ActionExtensionReject, "share extension rejected")
	s.notifyLifecycle(ctx, share, actor, notify.ShareExtensionRejected)
	return share, nil
}

// CancelExtension withdraws a pending extension request.
func (s *Service) CancelExtension(ctx context.Context, shareID, actor string) (ShareObject, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return ShareObject{}, err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermExtendShare); err != nil {
		return ShareObject{}, err
	}
	if err := s.transitionItems(ctx, share.ID, ActionCancelExtension); err != nil {
		return ShareObject{}, err
	}
	share, err = s.transitionShare(ctx, share, ActionCancelExtension)
	if err != nil {
		return ShareObject{}, err
	}
	if err := s.repo.UpdateExtension(ctx, share.ID, "", share.ExpiresAt); err != nil {
		return ShareObject{}, err
	}
	s.recordActivity(ctx, share.ID, actor, ActionCancelExtension, "share extension cancelled")
	return share, nil
}

// UpdateRequestPurpose rewrites the free-text purpose of the request.
func (s *Service) UpdateRequestPurpose(ctx context.Context, shareID, purpose, actor string) error {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.authz, actor, share.DatasetID, PermSubmitShare); err != nil {
		return err
	}
	return s.repo.UpdateRequestPurpose(ctx, share.ID, purpose)
}

// transitionShare runs the object state machine for action and persists the
// result. Idempotent replays skip the write.
func (s *Service) transitionShare(ctx context.Context, share ShareObject, action Action) (ShareObject, error) {
	next, err := NewObjectStateMachine(share.Status).Run(action)
	if err != nil {
		return ShareObject{}, err
	}
	if next == share.Status {
		return share, nil
	}
	if err := s.repo.UpdateShareStatus(ctx, share.ID, next); err != nil {
		return ShareObject{}, err
	}
	share.Status = next
	return share, nil
}

// transitionItems applies action to every item of the share. Items are
// transitioned before the parent object so a failed item transition leaves
// the object state untouched.
func (s *Service) transitionItems(ctx context.Context, shareID string, action Action) error {
	items, err := s.repo.ListShareItems(ctx, shareID, nil, nil)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Status == ItemDeleted {
			continue
		}
		next, err := NewItemStateMachine(it.Status).Run(action)
		if err != nil {
			return err
		}
		if next == it.Status {
			continue
		}
		if err := s.repo.UpdateItemStatus(ctx, it.ID, next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validateReq(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (s *Service) recordActivity(ctx context.Context, shareID, actor string, action Action, summary string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, ActivityLog{ShareID: shareID, Actor: actor, Action: action, Summary: summary}); err != nil {
		s.logger.Warn("record share activity", slog.String("share_id", shareID), slog.Any("error", err))
	}
}

// notifyLifecycle fires the milestone notification. Failures are logged and
// swallowed; notification delivery never fails a lifecycle operation.
func (s *Service) notifyLifecycle(ctx context.Context, share ShareObject, actor string, kind notify.LifecycleKind) {
	if s.notifier == nil {
		return
	}
	datasetName := share.DatasetID
	if dataset, err := s.repo.GetDataset(ctx, share.DatasetID); err == nil {
		datasetName = dataset.Name
	}
	event := notify.LifecycleEvent{
		Kind:        kind,
		ShareID:     share.ID,
		DatasetID:   share.DatasetID,
		DatasetName: datasetName,
		PrincipalID: share.PrincipalID,
		GroupID:     share.GroupID,
		Actor:       actor,
		At:          time.Now().UTC(),
	}
	if err := s.notifier.NotifyLifecycle(ctx, event); err != nil {
		s.logger.Warn("notify share lifecycle", slog.String("share_id", share.ID), slog.Any("error", err))
	}
}
