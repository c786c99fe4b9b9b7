package locks

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-data/lakeshare/internal/platform/db"
)

// SQLStore persists dataset locks in Postgres. One row per dataset, created
// alongside the dataset and never deleted while the dataset exists.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// TryAcquire takes the row lock before inspecting is_locked so two
// concurrent acquirers serialize at the storage level; exactly one of them
// sees is_locked=false.
func (s *SQLStore) TryAcquire(ctx context.Context, datasetID, holderID string) (bool, error) {
	acquired := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var isLocked bool
		err := tx.QueryRow(ctx,
			`SELECT is_locked FROM dataset_locks WHERE dataset_id=$1 FOR UPDATE`, datasetID).
			Scan(&isLocked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.New("locks: no lock row for dataset " + datasetID)
			}
			return err
		}
		if isLocked {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE dataset_locks SET is_locked=TRUE, acquired_by=$2 WHERE dataset_id=$1`,
			datasetID, holderID)
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// Release only succeeds when acquired_by still matches, so a run restarted
// after a crash cannot free a lock a newer run now holds.
func (s *SQLStore) Release(ctx context.Context, datasetID, holderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dataset_locks SET is_locked=FALSE, acquired_by='' WHERE dataset_id=$1 AND acquired_by=$2 AND is_locked=TRUE`,
		datasetID, holderID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
