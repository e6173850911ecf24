package calls

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("calls: not found")

// Repository persists Call rows. Calls are never deleted; retention is
// history.
type Repository interface {
	Insert(ctx context.Context, c Call) error
	Update(ctx context.Context, c Call) error

	// GetByProviderID resolves the call a provider status event belongs
	// to. Returns ErrNotFound when history was pruned or the provider sent
	// an unknown id.
	GetByProviderID(ctx context.Context, providerCallID string) (Call, error)

	// ListByContact returns a contact's full attempt history, oldest
	// first.
	ListByContact(ctx context.Context, workspaceID, contactID string) ([]Call, error)

	// ListInFlightByCampaign returns non-terminal calls for a campaign.
	ListInFlightByCampaign(ctx context.Context, campaignID string) ([]Call, error)
}
