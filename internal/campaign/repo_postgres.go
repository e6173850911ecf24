package campaign

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campaign-dialer/pkg/utils"
)

// PostgresRepo persists campaigns in the `campaigns` table. Delay columns
// are stored as milliseconds (BIGINT).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const campaignColumns = `
campaign_id, workspace_id, owner_user_id, name, status, industry,
script, language, concurrency_limit, max_attempts,
retry_base_delay_ms, retry_max_delay_ms, interleave_retries,
created_at, updated_at`

func (r *PostgresRepo) Insert(ctx context.Context, c Campaign) error {
	if err := c.Validate(); err != nil {
		return errors.Join(ErrInvalidRecord, err)
	}
	const q = `
INSERT INTO campaigns (` + campaignColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CampaignID,
		c.WorkspaceID,
		c.OwnerUserID,
		c.Name,
		c.Status,
		c.Industry,
		c.Script,
		c.Language,
		c.ConcurrencyLimit,
		c.MaxAttempts,
		c.RetryBaseDelay.Milliseconds(),
		c.RetryMaxDelay.Milliseconds(),
		c.InterleaveRetries,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, c Campaign) error {
	const q = `
UPDATE campaigns
SET name = $2,
    status = $3,
    industry = $4,
    script = $5,
    language = $6,
    concurrency_limit = $7,
    max_attempts = $8,
    retry_base_delay_ms = $9,
    retry_max_delay_ms = $10,
    interleave_retries = $11,
    updated_at = $12
WHERE campaign_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		c.CampaignID,
		c.Name,
		c.Status,
		c.Industry,
		c.Script,
		c.Language,
		c.ConcurrencyLimit,
		c.MaxAttempts,
		c.RetryBaseDelay.Milliseconds(),
		c.RetryMaxDelay.Milliseconds(),
		c.InterleaveRetries,
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

func (r *PostgresRepo) Get(ctx context.Context, campaignID string) (Campaign, error) {
	const q = `
SELECT ` + campaignColumns + `
FROM campaigns
WHERE campaign_id = $1
`
	return scanCampaign(r.db.QueryRowContext(ctx, q, campaignID))
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, s Status) ([]Campaign, error) {
	const q = `
SELECT ` + campaignColumns + `
FROM campaigns
WHERE status = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, s)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func (r *PostgresRepo) ListByWorkspace(ctx context.Context, workspaceID string) ([]Campaign, error) {
	const q = `
SELECT ` + campaignColumns + `
FROM campaigns
WHERE workspace_id = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var baseMs, maxMs int64
	if err := row.Scan(
		&c.CampaignID,
		&c.WorkspaceID,
		&c.OwnerUserID,
		&c.Name,
		&c.Status,
		&c.Industry,
		&c.Script,
		&c.Language,
		&c.ConcurrencyLimit,
		&c.MaxAttempts,
		&baseMs,
		&maxMs,
		&c.InterleaveRetries,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	c.RetryBaseDelay = time.Duration(baseMs) * time.Millisecond
	c.RetryMaxDelay = time.Duration(maxMs) * time.Millisecond
	return c, nil
}

func collectCampaigns(rows *sql.Rows) ([]Campaign, error) {
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactPostgresRepo persists contacts in the `contacts` table. The claim
// CAS is a conditional UPDATE on stage, so two dispatch cycles can never
// both claim one contact.
type ContactPostgresRepo struct {
	db *sql.DB
}

func NewContactPostgresRepo(db *sql.DB) *ContactPostgresRepo {
	return &ContactPostgresRepo{db: db}
}

const contactColumns = `
contact_id, campaign_id, workspace_id, phone, first_name, last_name,
import_seq, attempts, stage, disposition, created_at, updated_at`

func (r *ContactPostgresRepo) Insert(ctx context.Context, c Contact) error {
	if err := c.Validate(); err != nil {
		return errors.Join(ErrInvalidRecord, err)
	}
	if c.Stage == "" {
		c.Stage = StageQueued
	}
	const q = `
INSERT INTO contacts (` + contactColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ContactID,
		c.CampaignID,
		c.WorkspaceID,
		c.Phone,
		c.FirstName,
		c.LastName,
		c.ImportSeq,
		c.Attempts,
		c.Stage,
		c.Disposition,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *ContactPostgresRepo) InsertBatch(ctx context.Context, contacts []Contact) error {
	for _, c := range contacts {
		if err := c.Validate(); err != nil {
			return errors.Join(ErrInvalidRecord, err)
		}
	}
	const q = `
INSERT INTO contacts (` + contactColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range contacts {
			if c.Stage == "" {
				c.Stage = StageQueued
			}
			if _, err := stmt.ExecContext(ctx,
				c.ContactID, c.CampaignID, c.WorkspaceID, c.Phone,
				c.FirstName, c.LastName, c.ImportSeq, c.Attempts,
				c.Stage, c.Disposition, c.CreatedAt, c.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ContactPostgresRepo) Get(ctx context.Context, contactID string) (Contact, error) {
	const q = `
SELECT ` + contactColumns + `
FROM contacts
WHERE contact_id = $1
`
	return scanContact(r.db.QueryRowContext(ctx, q, contactID))
}

func (r *ContactPostgresRepo) NextEligible(ctx context.Context, campaignID string, interleave bool, limit int) ([]Contact, error) {
	order := "attempts ASC, import_seq ASC"
	if interleave {
		order = "import_seq ASC"
	}
	q := `
SELECT ` + contactColumns + `
FROM contacts
WHERE campaign_id = $1 AND stage = 'queued'
ORDER BY ` + order + `
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

func (r *ContactPostgresRepo) ClaimForDispatch(ctx context.Context, contactID string) (bool, error) {
	const q = `
UPDATE contacts
SET stage = 'dispatching', updated_at = now()
WHERE contact_id = $1 AND stage = 'queued'
`
	res, err := r.db.ExecContext(ctx, q, contactID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ContactPostgresRepo) ReleaseClaim(ctx context.Context, contactID string) error {
	return r.moveStage(ctx, contactID, StageDispatching, StageQueued)
}

func (r *ContactPostgresRepo) MarkDispatched(ctx context.Context, contactID string, attempt int) error {
	const q = `
UPDATE contacts
SET stage = 'in_flight', attempts = $2, updated_at = now()
WHERE contact_id = $1 AND stage = 'dispatching'
`
	res, err := r.db.ExecContext(ctx, q, contactID, attempt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *ContactPostgresRepo) Schedule(ctx context.Context, contactID string) error {
	return r.moveStage(ctx, contactID, StageInFlight, StageScheduled)
}

func (r *ContactPostgresRepo) Requeue(ctx context.Context, contactID string) error {
	return r.moveStage(ctx, contactID, StageScheduled, StageQueued)
}

func (r *ContactPostgresRepo) Resolve(ctx context.Context, contactID string, d Disposition) error {
	const q = `
UPDATE contacts
SET stage = 'resolved', disposition = $2, updated_at = now()
WHERE contact_id = $1 AND stage <> 'resolved'
`
	res, err := r.db.ExecContext(ctx, q, contactID, d)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *ContactPostgresRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM contacts WHERE campaign_id = $1`, campaignID)
}

func (r *ContactPostgresRepo) CountUnresolved(ctx context.Context, campaignID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM contacts WHERE campaign_id = $1 AND stage <> 'resolved'`, campaignID)
}

func (r *ContactPostgresRepo) ListUnresolved(ctx context.Context, campaignID string) ([]Contact, error) {
	const q = `
SELECT ` + contactColumns + `
FROM contacts
WHERE campaign_id = $1 AND stage <> 'resolved'
ORDER BY import_seq ASC
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

func (r *ContactPostgresRepo) count(ctx context.Context, q, campaignID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *ContactPostgresRepo) moveStage(ctx context.Context, contactID string, from, to Stage) error {
	const q = `
UPDATE contacts
SET stage = $3, updated_at = now()
WHERE contact_id = $1 AND stage = $2
`
	res, err := r.db.ExecContext(ctx, q, contactID, from, to)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	if err := row.Scan(
		&c.ContactID,
		&c.CampaignID,
		&c.WorkspaceID,
		&c.Phone,
		&c.FirstName,
		&c.LastName,
		&c.ImportSeq,
		&c.Attempts,
		&c.Stage,
		&c.Disposition,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

func collectContacts(rows *sql.Rows) ([]Contact, error) {
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
