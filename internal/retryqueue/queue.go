package retryqueue

import (
	"context"
	"time"
)

// Entry is one deferred dispatch: a contact that becomes retry-eligible at
// EligibleAt. Entries carry the attempt count they were scheduled after so
// the dispatcher can log meaningful retry context.
type Entry struct {
	ContactID  string    `json:"contact_id"`
	CampaignID string    `json:"campaign_id"`
	Attempt    int       `json:"attempt"`
	EligibleAt time.Time `json:"eligible_at"`
}

// Queue is a time-ordered deferred-work queue polled by the dispatcher.
// Implementations: an in-process min-heap and a Redis sorted set for
// multi-process deployments. Scheduling the same contact twice replaces the
// earlier entry.
type Queue interface {
	// Schedule adds (or replaces) a deferred entry.
	Schedule(ctx context.Context, e Entry) error

	// PopDue atomically removes and returns up to limit entries whose
	// EligibleAt is at or before now, earliest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// DropCampaign removes every pending entry for a campaign. Used when a
	// campaign is canceled or completed.
	DropCampaign(ctx context.Context, campaignID string) error

	// Pending returns the number of queued entries (due or not).
	Pending(ctx context.Context) (int, error)
}
