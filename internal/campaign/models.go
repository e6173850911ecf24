package campaign

import (
	"errors"
	"strings"
	"time"

	"campaign-dialer/internal/retry"
)

// Campaign is a configured batch outreach effort against a set of contacts.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
// Status transitions are monotonic except paused<->active; completed and
// canceled campaigns never re-activate.
type Campaign struct {
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	OwnerUserID string `json:"owner_user_id" db:"owner_user_id"`

	Name     string `json:"name" db:"name"`
	Status   Status `json:"status" db:"status"`
	Industry string `json:"industry,omitempty" db:"industry"`

	// Script is spoken to the contact on answer; Language selects the
	// voice/locale.
	Script   string `json:"script" db:"script"`
	Language string `json:"language" db:"language"`

	// ConcurrencyLimit caps simultaneous in-flight calls for this
	// campaign. The rate limiter clamps it to the global ceiling.
	ConcurrencyLimit int `json:"concurrency_limit" db:"concurrency_limit"`

	// Retry configuration; zero values fall back to the service defaults.
	MaxAttempts    int           `json:"max_attempts" db:"max_attempts"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" db:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" db:"retry_max_delay"`

	// InterleaveRetries selects dispatch order: false keeps fresh contacts
	// ahead of retries, true interleaves strictly by import order.
	InterleaveRetries bool `json:"interleave_retries" db:"interleave_retries"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCanceled},
	StatusActive: {StatusPaused, StatusCompleted, StatusCanceled},
	StatusPaused: {StatusActive, StatusCanceled},
}

// CanTransition reports whether the campaign status change is allowed.
func (s Status) CanTransition(to Status) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// RetryConfig exposes the campaign's retry settings in the policy's shape.
func (c Campaign) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// Validate rejects malformed campaign records at the storage boundary.
func (c Campaign) Validate() error {
	var errs []error
	if c.WorkspaceID == "" {
		errs = append(errs, errors.New("workspace_id is required"))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Script) == "" {
		errs = append(errs, errors.New("script is required"))
	}
	if c.ConcurrencyLimit < 0 {
		errs = append(errs, errors.New("concurrency_limit must be >= 0"))
	}
	return errors.Join(errs...)
}

// Stage is the dispatch lifecycle position of a contact. Exactly one
// component writes each move (single-writer rule): the dispatcher owns
// queued->dispatching->in_flight, the ingester owns
// in_flight->scheduled/resolved, the dispatcher owns scheduled->queued when
// the backoff elapses.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDispatching Stage = "dispatching"
	StageInFlight    Stage = "in_flight"
	StageScheduled   Stage = "scheduled"
	StageResolved    Stage = "resolved"
)

// Disposition is the contact-level resolved outcome after retries are
// exhausted or a non-retryable terminal call occurs. Empty until resolved.
type Disposition string

const (
	DispositionCompleted         Disposition = "completed"
	DispositionAppointmentSet    Disposition = "appointment_set"
	DispositionCallbackRequested Disposition = "callback_requested"
	DispositionVoicemail         Disposition = "voicemail"
	DispositionFailed            Disposition = "failed"
	DispositionExhausted         Disposition = "exhausted"
	DispositionCanceled          Disposition = "canceled"
)

// Contact is a person/phone number targeted by a campaign.
type Contact struct {
	ContactID   string `json:"contact_id" db:"contact_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Phone is E.164 where possible.
	Phone     string `json:"phone" db:"phone"`
	FirstName string `json:"first_name,omitempty" db:"first_name"`
	LastName  string `json:"last_name,omitempty" db:"last_name"`

	// ImportSeq preserves contact-import order for FIFO dispatch.
	ImportSeq int64 `json:"import_seq" db:"import_seq"`

	// Attempts counts dispatched calls; never exceeds the campaign's
	// MaxAttempts.
	Attempts int `json:"attempts" db:"attempts"`

	Stage       Stage       `json:"stage" db:"stage"`
	Disposition Disposition `json:"disposition,omitempty" db:"disposition"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate rejects malformed contact records at the storage boundary.
func (c Contact) Validate() error {
	var errs []error
	if c.WorkspaceID == "" {
		errs = append(errs, errors.New("workspace_id is required"))
	}
	if c.CampaignID == "" {
		errs = append(errs, errors.New("campaign_id is required"))
	}
	if !ValidPhone(c.Phone) {
		errs = append(errs, errors.New("phone must be E.164-like"))
	}
	return errors.Join(errs...)
}

// ValidPhone is a light E.164 shape check: leading +, 7-15 digits.
func ValidPhone(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
