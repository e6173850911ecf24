package campaign

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("campaign: not found")
	ErrConflict      = errors.New("campaign: conflicting stage change")
	ErrInvalidRecord = errors.New("campaign: invalid record")
)

// Repository persists campaigns.
type Repository interface {
	Insert(ctx context.Context, c Campaign) error
	Update(ctx context.Context, c Campaign) error
	Get(ctx context.Context, campaignID string) (Campaign, error)
	ListByStatus(ctx context.Context, s Status) ([]Campaign, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]Campaign, error)
}

// ContactRepository persists contacts and enforces the per-contact dispatch
// discipline. ClaimForDispatch is the one compare-and-swap in the system:
// it guarantees at most one in-flight call per contact under concurrent
// dispatch cycles.
type ContactRepository interface {
	Insert(ctx context.Context, c Contact) error

	// InsertBatch inserts an import batch atomically: either every
	// contact lands or none do, so a partial import can never leave a
	// campaign with gaps in its dispatch order.
	InsertBatch(ctx context.Context, contacts []Contact) error

	Get(ctx context.Context, contactID string) (Contact, error)

	// NextEligible returns up to limit queued contacts for a campaign.
	// Default order is attempts ASC then import order (fresh contacts
	// before retries); interleave orders strictly by import order.
	NextEligible(ctx context.Context, campaignID string, interleave bool, limit int) ([]Contact, error)

	// ClaimForDispatch atomically moves a queued contact to dispatching.
	// Returns false when the contact is no longer queued (someone else
	// claimed it, or it resolved meanwhile).
	ClaimForDispatch(ctx context.Context, contactID string) (bool, error)

	// ReleaseClaim returns a dispatching contact to queued without
	// consuming an attempt (rate-limit deferral, transient gateway error).
	ReleaseClaim(ctx context.Context, contactID string) error

	// MarkDispatched records a successful dispatch: stage in_flight,
	// attempts set to the new attempt number.
	MarkDispatched(ctx context.Context, contactID string, attempt int) error

	// Schedule parks an in-flight contact while its retry backoff runs.
	Schedule(ctx context.Context, contactID string) error

	// Requeue returns a scheduled contact to queued once its backoff has
	// elapsed.
	Requeue(ctx context.Context, contactID string) error

	// Resolve records the contact's terminal disposition.
	Resolve(ctx context.Context, contactID string, d Disposition) error

	CountByCampaign(ctx context.Context, campaignID string) (int, error)
	CountUnresolved(ctx context.Context, campaignID string) (int, error)
	ListUnresolved(ctx context.Context, campaignID string) ([]Contact, error)
}
