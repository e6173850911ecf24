package telephony

import (
	"context"
	"time"

	"campaign-dialer/internal/callstate"
)

// Gateway defines the provider-agnostic outbound calling interface used by
// the dispatcher and the campaign manager.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; provider raw payloads go
//   in RawPayload fields if needed.
// - InitiateCall must honor ctx deadlines: the request timeout is the
//   dispatch timeout, never the call duration.
type Gateway interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// InitiateCall requests an outbound call. On acceptance the provider
	// assigns the call id carried by all later status callbacks.
	InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error)

	// EndCall requests best-effort termination of an in-flight call.
	EndCall(ctx context.Context, req EndCallRequest) error
}

// InitiateCallRequest carries everything a provider needs to place one
// outbound campaign call.
type InitiateCallRequest struct {
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id"`
	ContactID   string `json:"contact_id"`

	// To and From are E.164 where possible.
	To   string `json:"to"`
	From string `json:"from"`

	// Script is the campaign script spoken on answer; Language selects the
	// voice/locale.
	Script   string `json:"script"`
	Language string `json:"language"`

	// CallbackURL receives the provider's asynchronous status events.
	CallbackURL string `json:"callback_url"`
}

type InitiateCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

type EndCallRequest struct {
	WorkspaceID    string `json:"workspace_id"`
	ProviderCallID string `json:"provider_call_id"`
}

// StatusCallback is a provider-agnostic asynchronous status event for one
// call. Providers may deliver these out of order or more than once; the
// ingester discards stale and duplicate events by OccurredAt comparison.
type StatusCallback struct {
	ProviderCallID string          `json:"provider_call_id"`
	Status         callstate.State `json:"status"`
	OccurredAt     time.Time       `json:"occurred_at"`

	// DurationSeconds is present on terminal events when the provider
	// reports one.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// ReasonCode is the normalized provider reason ("invalid_number",
	// "appointment_set", ...), empty when the provider sent none.
	ReasonCode string `json:"reason_code,omitempty"`

	// RawPayload is optional for debugging/audit; store as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}
