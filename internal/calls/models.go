package calls

import (
	"time"

	"campaign-dialer/internal/callstate"
)

// Call represents one outbound dispatch attempt of a contact within a
// campaign.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
//
// Immutability: a Call is created by the dispatcher the moment the provider
// accepts the call request and is mutated only by the callback ingester as
// status events arrive. Once terminal it is history; a retry creates a new
// Call row with the next attempt number. At most one non-terminal Call
// exists per contact at any time.
type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	ContactID   string `json:"contact_id" db:"contact_id"`

	// ProviderCallID is assigned by the telephony provider on acceptance
	// and keys all asynchronous status events.
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	Direction Direction       `json:"direction" db:"direction"`
	State     callstate.State `json:"state" db:"state"`

	// Attempt is this call's position in the contact's retry sequence,
	// numbered from 1.
	Attempt int `json:"attempt" db:"attempt"`

	// Reason is the last provider status code/reason applied to this call.
	Reason string `json:"reason,omitempty" db:"reason"`

	// DurationSeconds is reported by the provider on terminal events.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// LastEventAt is the provider timestamp of the most recently applied
	// status event; older events are stale and discarded.
	LastEventAt time.Time `json:"last_event_at" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
)

// InFlight reports whether the call has not yet reached a terminal state.
func (c Call) InFlight() bool { return !c.State.Terminal() }
