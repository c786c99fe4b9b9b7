package shares

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityLog is one recorded lifecycle action on a share.
type ActivityLog struct {
	ID      int64
	ShareID string
	Actor   string
	Action  Action
	Summary string
	At      time.Time
}

// ActivityRecorder persists share lifecycle history.
type ActivityRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewActivityRecorder constructs ActivityRecorder.
func NewActivityRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ActivityRecorder {
	return &ActivityRecorder{pool: pool, logger: logger}
}

// Record writes an activity entry to the database.
func (r *ActivityRecorder) Record(ctx context.Context, log ActivityLog) error {
	if r == nil {
		return errors.New("activity recorder not initialised")
	}
	if log.ShareID == "" {
		return errors.New("activity share id required")
	}
	if log.Action == "" {
		return errors.New("activity action required")
	}
	if log.Actor == "" {
		return errors.New("activity actor required")
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO share_activities (share_id, actor, action, summary, at)
VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, '0001-01-01'::timestamptz), NOW()))`,
		log.ShareID, log.Actor, string(log.Action), log.Summary, log.At)
	if err != nil {
		r.logger.Error("record share activity", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns activities for one share in chronological order.
func (r *ActivityRecorder) List(ctx context.Context, shareID string) ([]ActivityLog, error) {
	if r == nil {
		return nil, errors.New("activity recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, share_id, actor, action, summary, at
FROM share_activities WHERE share_id=$1 ORDER BY at ASC`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ActivityLog
	for rows.Next() {
		var l ActivityLog
		var action string
		if err := rows.Scan(&l.ID, &l.ShareID, &l.Actor, &action, &l.Summary, &l.At); err != nil {
			return nil, err
		}
		l.Action = Action(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
