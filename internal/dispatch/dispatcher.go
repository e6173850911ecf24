package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/callstate"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
)

// Campaigns is the dispatcher's view of the campaign manager: which
// campaigns may dispatch right now, and the resolution hook that drives
// auto-completion.
type Campaigns interface {
	ActiveCampaigns() []campaign.Campaign
	IsActive(campaignID string) bool
	OnContactResolved(ctx context.Context, campaignID string) error
}

type Config struct {
	// CycleInterval is the idle period between dispatch cycles; wakeups
	// (campaign activated, token released, retry due) cut it short.
	CycleInterval time.Duration

	// AcquireWait bounds the rate-limiter wait before a contact is
	// deferred to the next cycle.
	AcquireWait time.Duration

	// InitiateTimeout bounds one gateway call-initiation round trip. This
	// is a dispatch timeout, never the call duration.
	InitiateTimeout time.Duration

	// RetryBatchSize caps due retries promoted per cycle.
	RetryBatchSize int

	// CallbackURL is where the provider delivers status events.
	CallbackURL string

	// FromNumber is the caller id for outbound campaign calls.
	FromNumber string
}

func (c Config) withDefaults() Config {
	out := c
	if out.CycleInterval <= 0 {
		out.CycleInterval = 2 * time.Second
	}
	if out.AcquireWait <= 0 {
		out.AcquireWait = 500 * time.Millisecond
	}
	if out.InitiateTimeout <= 0 {
		out.InitiateTimeout = 10 * time.Second
	}
	if out.RetryBatchSize <= 0 {
		out.RetryBatchSize = 100
	}
	return out
}

// Dispatcher pulls eligible contacts from active campaigns, acquires
// rate-limiter tokens, and turns gateway acceptances into Call rows.
//
// Error discipline: provider failures are handled per contact and never
// abort the cycle for other contacts; only storage failures end a cycle
// early (the whole cycle retries on the next tick).
type Dispatcher struct {
	campaigns Campaigns
	contacts  campaign.ContactRepository
	calls     calls.Repository
	gateway   telephony.Gateway
	limiter   *ratelimit.Limiter
	queue     retryqueue.Queue
	machine   *callstate.Machine

	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	wake chan struct{}
}

type Deps struct {
	Campaigns Campaigns
	Contacts  campaign.ContactRepository
	Calls     calls.Repository
	Gateway   telephony.Gateway
	Limiter   *ratelimit.Limiter
	Queue     retryqueue.Queue
	Machine   *callstate.Machine
	Logger    *slog.Logger
}

func New(d Deps, cfg Config) (*Dispatcher, error) {
	if d.Campaigns == nil || d.Contacts == nil || d.Calls == nil || d.Gateway == nil ||
		d.Limiter == nil || d.Queue == nil || d.Machine == nil {
		return nil, errors.New("dispatch: all dependencies are required")
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		campaigns: d.Campaigns,
		contacts:  d.Contacts,
		calls:     d.Calls,
		gateway:   d.Gateway,
		limiter:   d.Limiter,
		queue:     d.Queue,
		machine:   d.Machine,
		cfg:       cfg.withDefaults(),
		log:       log,
		clock:     time.Now,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Wake requests an early dispatch cycle. Non-blocking; coalesces with any
// pending wakeup.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes dispatch cycles until ctx is canceled. Cycle errors are
// logged and retried on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		if err := d.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("dispatch cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunCycle promotes due retries, then fans out one dispatch pass per
// active campaign.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	if err := d.promoteDueRetries(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range d.campaigns.ActiveCampaigns() {
		g.Go(func() error {
			return d.dispatchCampaign(gctx, c)
		})
	}
	return g.Wait()
}

// promoteDueRetries moves contacts whose backoff elapsed back to the
// queued stage. Entries for canceled/completed campaigns were dropped with
// the campaign, so anything popped here belongs to an active or paused
// campaign and simply waits in queue until its campaign dispatches.
func (d *Dispatcher) promoteDueRetries(ctx context.Context) error {
	due, err := d.queue.PopDue(ctx, d.clock(), d.cfg.RetryBatchSize)
	if err != nil {
		return fmt.Errorf("dispatch: pop due retries: %w", err)
	}
	for _, e := range due {
		if err := d.contacts.Requeue(ctx, e.ContactID); err != nil {
			// Resolved or canceled in the meantime; nothing to dispatch.
			d.log.Debug("retry requeue skipped", "contact_id", e.ContactID, "err", err)
			continue
		}
		d.log.Debug("contact retry eligible", "contact_id", e.ContactID, "attempt", e.Attempt+1)
	}
	if len(due) > 0 {
		d.Wake()
	}
	return nil
}

func (d *Dispatcher) dispatchCampaign(ctx context.Context, c campaign.Campaign) error {
	if c.ConcurrencyLimit > 0 {
		d.limiter.SetCampaignLimit(c.CampaignID, c.ConcurrencyLimit)
	}
	for {
		// Pause/cancel takes effect here, before every dispatch decision.
		if !d.campaigns.IsActive(c.CampaignID) {
			return nil
		}
		batch, err := d.contacts.NextEligible(ctx, c.CampaignID, c.InterleaveRetries, 1)
		if err != nil {
			return fmt.Errorf("dispatch: select eligible: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		proceed, err := d.dispatchContact(ctx, c, batch[0])
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

// dispatchContact runs one contact through claim, token, gateway. The
// bool result is false when the campaign should stop dispatching this
// cycle (token starvation, transient provider failure).
func (d *Dispatcher) dispatchContact(ctx context.Context, c campaign.Campaign, contact campaign.Contact) (bool, error) {
	log := d.log.With("campaign_id", c.CampaignID, "contact_id", contact.ContactID)

	// Malformed records are rejected before dispatch and never retried.
	if !campaign.ValidPhone(contact.Phone) {
		claimed, err := d.contacts.ClaimForDispatch(ctx, contact.ContactID)
		if err != nil || !claimed {
			return true, err
		}
		log.Warn("contact rejected before dispatch", "reason", "invalid phone")
		if err := d.contacts.Resolve(ctx, contact.ContactID, campaign.DispositionFailed); err != nil {
			return false, err
		}
		return true, d.campaigns.OnContactResolved(ctx, c.CampaignID)
	}

	claimed, err := d.contacts.ClaimForDispatch(ctx, contact.ContactID)
	if err != nil {
		return false, fmt.Errorf("dispatch: claim: %w", err)
	}
	if !claimed {
		// Another dispatcher got here first; move on.
		return true, nil
	}

	ok, err := d.limiter.Acquire(ctx, c.CampaignID, d.cfg.AcquireWait)
	if err != nil || !ok {
		// Starvation is not an error: the contact returns to queue and
		// waits for the next cycle.
		if relErr := d.contacts.ReleaseClaim(ctx, contact.ContactID); relErr != nil {
			log.Warn("claim release failed", "err", relErr)
		}
		return false, err
	}

	attempt := contact.Attempts + 1
	initCtx, cancel := context.WithTimeout(ctx, d.cfg.InitiateTimeout)
	res, initErr := d.gateway.InitiateCall(initCtx, telephony.InitiateCallRequest{
		WorkspaceID: c.WorkspaceID,
		CampaignID:  c.CampaignID,
		ContactID:   contact.ContactID,
		To:          contact.Phone,
		From:        d.cfg.FromNumber,
		Script:      c.Script,
		Language:    c.Language,
		CallbackURL: d.cfg.CallbackURL,
	})
	cancel()

	switch {
	case initErr == nil:
		return true, d.recordAccepted(ctx, c, contact, attempt, res.ProviderCallID)
	case telephony.IsPermanent(initErr):
		d.limiter.Release(c.CampaignID)
		log.Warn("dispatch rejected permanently", "attempt", attempt, "err", initErr)
		return true, d.recordPermanentFailure(ctx, c, contact, attempt, telephony.ReasonCode(initErr))
	default:
		// Transient: token back, claim back, no attempt consumed. Stop
		// hammering the provider this cycle.
		d.limiter.Release(c.CampaignID)
		log.Warn("dispatch deferred", "err", initErr)
		if relErr := d.contacts.ReleaseClaim(ctx, contact.ContactID); relErr != nil {
			log.Warn("claim release failed", "err", relErr)
		}
		return false, nil
	}
}

func (d *Dispatcher) recordAccepted(ctx context.Context, c campaign.Campaign, contact campaign.Contact, attempt int, providerCallID string) error {
	now := d.clock().UTC()
	call := calls.Call{
		CallID:         uuid.NewString(),
		WorkspaceID:    c.WorkspaceID,
		CampaignID:     c.CampaignID,
		ContactID:      contact.ContactID,
		ProviderCallID: providerCallID,
		Direction:      calls.DirectionOutbound,
		State:          callstate.StateDispatching,
		Attempt:        attempt,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.calls.Insert(ctx, call); err != nil {
		return fmt.Errorf("dispatch: insert call: %w", err)
	}
	if err := d.contacts.MarkDispatched(ctx, contact.ContactID, attempt); err != nil {
		if errors.Is(err, campaign.ErrConflict) {
			// The terminal callback beat this write and already settled the
			// contact; the call row carries the attempt either way.
			d.log.Debug("contact settled before dispatch record", "contact_id", contact.ContactID)
			return nil
		}
		return fmt.Errorf("dispatch: mark dispatched: %w", err)
	}
	_, _ = d.machine.Apply(callstate.Event{
		CallID:     call.CallID,
		CampaignID: c.CampaignID,
		ContactID:  contact.ContactID,
		From:       callstate.StateQueued,
		To:         callstate.StateDispatching,
		At:         now,
	})
	d.log.Info("call dispatched",
		"campaign_id", c.CampaignID,
		"contact_id", contact.ContactID,
		"provider_call_id", providerCallID,
		"attempt", attempt,
	)
	return nil
}

// recordPermanentFailure creates a terminal failed Call without ever
// touching the retry policy's retryable branch. The attempt is consumed.
func (d *Dispatcher) recordPermanentFailure(ctx context.Context, c campaign.Campaign, contact campaign.Contact, attempt int, reason string) error {
	now := d.clock().UTC()
	ended := now
	call := calls.Call{
		CallID:      uuid.NewString(),
		WorkspaceID: c.WorkspaceID,
		CampaignID:  c.CampaignID,
		ContactID:   contact.ContactID,
		Direction:   calls.DirectionOutbound,
		State:       callstate.StateFailed,
		Attempt:     attempt,
		Reason:      reason,
		StartedAt:   now,
		EndedAt:     &ended,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.calls.Insert(ctx, call); err != nil {
		return fmt.Errorf("dispatch: insert failed call: %w", err)
	}
	if err := d.contacts.MarkDispatched(ctx, contact.ContactID, attempt); err != nil {
		return fmt.Errorf("dispatch: mark dispatched: %w", err)
	}
	if err := d.contacts.Resolve(ctx, contact.ContactID, campaign.DispositionFailed); err != nil {
		return fmt.Errorf("dispatch: resolve contact: %w", err)
	}
	_, _ = d.machine.Apply(callstate.Event{
		CallID:     call.CallID,
		CampaignID: c.CampaignID,
		ContactID:  contact.ContactID,
		From:       callstate.StateQueued,
		To:         callstate.StateFailed,
		Reason:     reason,
		At:         now,
	})
	return d.campaigns.OnContactResolved(ctx, c.CampaignID)
}
