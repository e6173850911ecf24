package metrics

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists campaign counters.
type Repository interface {
	Upsert(ctx context.Context, campaignID string, c Counters) error
	Get(ctx context.Context, campaignID string) (Counters, error)
}

var ErrNotFound = errors.New("metrics: not found")

// PostgresRepo stores one row per campaign in `campaign_metrics`.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Upsert(ctx context.Context, campaignID string, c Counters) error {
	const q = `
INSERT INTO campaign_metrics (
  campaign_id, appointments_set, callback_requested, no_answer,
  voicemail, failed, completed, total_duration_seconds, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (campaign_id) DO UPDATE SET
  appointments_set = EXCLUDED.appointments_set,
  callback_requested = EXCLUDED.callback_requested,
  no_answer = EXCLUDED.no_answer,
  voicemail = EXCLUDED.voicemail,
  failed = EXCLUDED.failed,
  completed = EXCLUDED.completed,
  total_duration_seconds = EXCLUDED.total_duration_seconds,
  updated_at = now()
`
	_, err := r.db.ExecContext(ctx, q,
		campaignID,
		c.AppointmentsSet,
		c.CallbackRequested,
		c.NoAnswer,
		c.Voicemail,
		c.Failed,
		c.Completed,
		c.TotalDurationSeconds,
	)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, campaignID string) (Counters, error) {
	const q = `
SELECT appointments_set, callback_requested, no_answer, voicemail,
       failed, completed, total_duration_seconds
FROM campaign_metrics
WHERE campaign_id = $1
`
	var c Counters
	if err := r.db.QueryRowContext(ctx, q, campaignID).Scan(
		&c.AppointmentsSet,
		&c.CallbackRequested,
		&c.NoAnswer,
		&c.Voicemail,
		&c.Failed,
		&c.Completed,
		&c.TotalDurationSeconds,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Counters{}, ErrNotFound
		}
		return Counters{}, err
	}
	return c, nil
}
