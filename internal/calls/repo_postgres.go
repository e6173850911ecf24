package calls

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo persists calls in the `calls` table:
//
//   calls(call_id PK, workspace_id, campaign_id, contact_id,
//         provider_call_id UNIQUE, direction, state, attempt, reason,
//         duration_seconds, started_at, ended_at, last_event_at,
//         created_at, updated_at)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
call_id, workspace_id, campaign_id, contact_id, provider_call_id,
direction, state, attempt, reason, duration_seconds,
started_at, ended_at, last_event_at, created_at, updated_at`

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.WorkspaceID,
		c.CampaignID,
		c.ContactID,
		c.ProviderCallID,
		c.Direction,
		c.State,
		c.Attempt,
		c.Reason,
		c.DurationSeconds,
		c.StartedAt,
		c.EndedAt,
		c.LastEventAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, c Call) error {
	const q = `
UPDATE calls
SET state = $2,
    reason = $3,
    duration_seconds = $4,
    ended_at = $5,
    last_event_at = $6,
    updated_at = $7
WHERE call_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		c.CallID,
		c.State,
		c.Reason,
		c.DurationSeconds,
		c.EndedAt,
		c.LastEventAt,
		c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE provider_call_id = $1
`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func (r *PostgresRepo) ListByContact(ctx context.Context, workspaceID, contactID string) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE workspace_id = $1 AND contact_id = $2
ORDER BY attempt ASC
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (r *PostgresRepo) ListInFlightByCampaign(ctx context.Context, campaignID string) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE campaign_id = $1
  AND state NOT IN ('completed', 'busy', 'failed', 'no_answer', 'canceled')
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCalls(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	if err := row.Scan(
		&c.CallID,
		&c.WorkspaceID,
		&c.CampaignID,
		&c.ContactID,
		&c.ProviderCallID,
		&c.Direction,
		&c.State,
		&c.Attempt,
		&c.Reason,
		&c.DurationSeconds,
		&c.StartedAt,
		&c.EndedAt,
		&c.LastEventAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func collectCalls(rows *sql.Rows) ([]Call, error) {
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
