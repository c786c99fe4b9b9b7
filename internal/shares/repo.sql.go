package shares

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for shares and items.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const shareColumns = `id, dataset_id, environment_id, group_id, principal_id, principal_type,
principal_role_name, status, owner, COALESCE(request_purpose,''), COALESCE(reject_purpose,''),
COALESCE(extension_purpose,''), expires_at, created_at, updated_at, deleted_at`

func scanShare(row pgx.Row) (ShareObject, error) {
	var s ShareObject
	err := row.Scan(
		&s.ID, &s.DatasetID, &s.EnvironmentID, &s.GroupID, &s.PrincipalID, &s.PrincipalType,
		&s.PrincipalRoleName, &s.Status, &s.Owner, &s.RequestPurpose, &s.RejectPurpose,
		&s.ExtensionPurpose, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ShareObject{}, ErrNotFound
		}
		return ShareObject{}, err
	}
	return s, nil
}

const itemColumns = `id, share_id, item_id, kind, name, status, health_status,
COALESCE(health_message,''), last_verified_at, COALESCE(data_filter_label,''), owner, created_at`

func scanItem(row pgx.Row) (ShareObjectItem, error) {
	var it ShareObjectItem
	err := row.Scan(
		&it.ID, &it.ShareID, &it.ItemID, &it.Kind, &it.Name, &it.Status, &it.HealthStatus,
		&it.HealthMessage, &it.LastVerifiedAt, &it.DataFilterLabel, &it.Owner, &it.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ShareObjectItem{}, ErrNotFound
		}
		return ShareObjectItem{}, err
	}
	return it, nil
}

// GetShare returns one share by id.
func (r *Repository) GetShare(ctx context.Context, id string) (ShareObject, error) {
	return scanShare(r.pool.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares WHERE id=$1`, id))
}

// FindShare looks up a non-deleted share by its identity tuple. At most one
// such share may exist; returns ErrNotFound when none does.
func (r *Repository) FindShare(ctx context.Context, datasetID, environmentID, principalID, groupID string) (ShareObject, error) {
	return scanShare(r.pool.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares
WHERE dataset_id=$1 AND environment_id=$2 AND principal_id=$3 AND group_id=$4 AND deleted_at IS NULL`,
		datasetID, environmentID, principalID, groupID))
}

// CreateShare persists a new share in Draft status.
func (r *Repository) CreateShare(ctx context.Context, s ShareObject) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO shares
(id, dataset_id, environment_id, group_id, principal_id, principal_type, principal_role_name,
 status, owner, request_purpose, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
		s.ID, s.DatasetID, s.EnvironmentID, s.GroupID, s.PrincipalID, s.PrincipalType,
		s.PrincipalRoleName, s.Status, s.Owner, s.RequestPurpose, s.ExpiresAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_shares_identity" {
		return ErrAlreadyExists
	}
	return err
}

// UpdateShareStatus moves a share to the given lifecycle status.
func (r *Repository) UpdateShareStatus(ctx context.Context, id string, status ShareObjectStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE shares SET status=$2, updated_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRequestPurpose sets the free-text purpose of the request.
func (r *Repository) UpdateRequestPurpose(ctx context.Context, id, purpose string) error {
	_, err := r.pool.Exec(ctx, `UPDATE shares SET request_purpose=$2, updated_at=NOW() WHERE id=$1`, id, purpose)
	return err
}

// UpdateRejectPurpose sets the rejection reason.
func (r *Repository) UpdateRejectPurpose(ctx context.Context, id, purpose string) error {
	_, err := r.pool.Exec(ctx, `UPDATE shares SET reject_purpose=$2, updated_at=NOW() WHERE id=$1`, id, purpose)
	return err
}

// UpdateExtension sets the extension purpose and new expiration.
func (r *Repository) UpdateExtension(ctx context.Context, id, purpose string, expiresAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE shares SET extension_purpose=$2, expires_at=$3, updated_at=NOW() WHERE id=$1`,
		id, purpose, expiresAt)
	return err
}

// SoftDeleteShare marks a share deleted without removing rows.
func (r *Repository) SoftDeleteShare(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE shares SET status=$2, deleted_at=NOW(), updated_at=NOW() WHERE id=$1`,
		id, ObjectDeleted)
	return err
}

// ListActiveShares returns all non-deleted shares, used by the verify sweep.
func (r *Repository) ListActiveShares(ctx context.Context) ([]ShareObject, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+shareColumns+` FROM shares WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ShareObject
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetShareData assembles the full run context for one share. Principals are
// deliberately not part of this read model; they are resolved fresh by the
// orchestrator at the start of every run.
func (r *Repository) GetShareData(ctx context.Context, shareID string) (ShareData, error) {
	share, err := r.GetShare(ctx, shareID)
	if err != nil {
		return ShareData{}, err
	}
	dataset, err := r.GetDataset(ctx, share.DatasetID)
	if err != nil {
		return ShareData{}, err
	}
	sourceEnv, err := r.GetEnvironment(ctx, dataset.EnvironmentID)
	if err != nil {
		return ShareData{}, err
	}
	targetEnv, err := r.GetEnvironment(ctx, share.EnvironmentID)
	if err != nil {
		return ShareData{}, err
	}
	return ShareData{Share: share, Dataset: dataset, SourceEnv: sourceEnv, TargetEnv: targetEnv}, nil
}

// GetDataset returns the catalog read model for one dataset.
func (r *Repository) GetDataset(ctx context.Context, id string) (Dataset, error) {
	var d Dataset
	err := r.pool.QueryRow(ctx, `SELECT id, name, environment_id, database_name, bucket_name,
admin_group_id, COALESCE(stewards_id,''), auto_approve, COALESCE(catalog_account_id,''),
COALESCE(catalog_region,''), COALESCE(catalog_database,'') FROM datasets WHERE id=$1`, id).
		Scan(&d.ID, &d.Name, &d.EnvironmentID, &d.DatabaseName, &d.BucketName,
			&d.AdminGroupID, &d.StewardsID, &d.AutoApprove, &d.CatalogAccountID,
			&d.CatalogRegion, &d.CatalogDatabase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dataset{}, ErrNotFound
		}
		return Dataset{}, err
	}
	return d, nil
}

// GetEnvironment returns one onboarded environment.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var e Environment
	err := r.pool.QueryRow(ctx, `SELECT id, name, account_id, region, COALESCE(resource_prefix,''),
bi_group_enabled FROM environments WHERE id=$1`, id).
		Scan(&e.ID, &e.Name, &e.AccountID, &e.Region, &e.ResourcePrefix, &e.BIGroupEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Environment{}, ErrNotFound
		}
		return Environment{}, err
	}
	return e, nil
}

// GroupAddresses returns the notification addresses registered for a group.
// Groups sync their distribution lists into group_emails during onboarding.
func (r *Repository) GroupAddresses(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT email FROM group_emails WHERE group_id=$1 ORDER BY email`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// FindShareItem returns the item of a share pointing at the given resource,
// or ErrNotFound. The (share, item) pair is unique.
func (r *Repository) FindShareItem(ctx context.Context, shareID, itemID string) (ShareObjectItem, error) {
	return scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM share_items
WHERE share_id=$1 AND item_id=$2`, shareID, itemID))
}

// AddShareItem persists a new item attached to a share.
func (r *Repository) AddShareItem(ctx context.Context, it ShareObjectItem) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO share_items
(id, share_id, item_id, kind, name, status, health_status, data_filter_label, owner, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
		it.ID, it.ShareID, it.ItemID, it.Kind, it.Name, it.Status, it.HealthStatus,
		it.DataFilterLabel, it.Owner)
	return err
}

// ListShareItems returns a share's items, optionally filtered by status
// and/or health status.
func (r *Repository) ListShareItems(ctx context.Context, shareID string, statuses []ShareItemStatus, health []HealthStatus) ([]ShareObjectItem, error) {
	query := `SELECT ` + itemColumns + ` FROM share_items WHERE share_id=$1`
	args := []any{shareID}
	if len(statuses) > 0 {
		args = append(args, statuses)
		query += ` AND status = ANY($2)`
	}
	if len(health) > 0 {
		args = append(args, health)
		if len(statuses) > 0 {
			query += ` AND health_status = ANY($3)`
		} else {
			query += ` AND health_status = ANY($2)`
		}
	}
	query += ` ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ShareObjectItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateItemStatus moves one item to the given lifecycle status.
func (r *Repository) UpdateItemStatus(ctx context.Context, itemID string, status ShareItemStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE share_items SET status=$2 WHERE id=$1`, itemID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItemStatusBatch moves every item of a share from one status to
// another, optionally restricted to a kind.
func (r *Repository) UpdateItemStatusBatch(ctx context.Context, shareID string, old, next ShareItemStatus, kind ShareableKind) error {
	if kind == "" {
		_, err := r.pool.Exec(ctx,
			`UPDATE share_items SET status=$3 WHERE share_id=$1 AND status=$2`, shareID, old, next)
		return err
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE share_items SET status=$3 WHERE share_id=$1 AND status=$2 AND kind=$4`, shareID, old, next, kind)
	return err
}

// DeleteShareItem removes a single item row.
func (r *Repository) DeleteShareItem(ctx context.Context, itemID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM share_items WHERE id=$1`, itemID)
	return err
}

// UpdateItemHealth records a verification result. This write path is kept
// separate from lifecycle status updates: verification must be able to mark
// an item Unhealthy without disturbing Share_Succeeded.
func (r *Repository) UpdateItemHealth(ctx context.Context, itemID string, health HealthStatus, message string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE share_items SET health_status=$2, health_message=$3, last_verified_at=$4 WHERE id=$1`,
		itemID, health, message, at)
	return err
}

// OtherSharesReferenceItem reports whether any other share holds a live
// grant on the same resource for the same target environment. Revoke uses
// this to avoid tearing down a resource link or cross-account grant a
// sibling share still needs.
func (r *Repository) OtherSharesReferenceItem(ctx context.Context, targetEnvID, itemID, excludeShareItemID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM share_items si
JOIN shares s ON s.id = si.share_id
WHERE si.item_id=$2 AND si.id <> $3 AND s.environment_id=$1
  AND s.deleted_at IS NULL AND si.status = ANY($4))`,
		targetEnvID, itemID, excludeShareItemID, SharedStates()).Scan(&exists)
	return exists, err
}

// CountSharedItems counts a share's items of one kind still in a shared
// state, used to decide whether the shared database can be torn down.
func (r *Repository) CountSharedItems(ctx context.Context, shareID string, kind ShareableKind) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM share_items WHERE share_id=$1 AND kind=$2 AND status = ANY($3)`,
		shareID, kind, SharedStates()).Scan(&n)
	return n, err
}

// HasPendingItems reports whether the share still has items awaiting
// approval. Decides Finish vs FinishPending after a revoke run.
func (r *Repository) HasPendingItems(ctx context.Context, shareID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM share_items WHERE share_id=$1 AND status=$2)`,
		shareID, ItemPendingApproval).Scan(&exists)
	return exists, err
}

// HasSharedItems reports whether any item of the share holds a live grant.
func (r *Repository) HasSharedItems(ctx context.Context, shareID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM share_items WHERE share_id=$1 AND status = ANY($2))`,
		shareID, SharedStates()).Scan(&exists)
	return exists, err
}
