package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/callstate"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
)

// Resolver receives contact resolutions so campaign auto-completion can
// fire. Satisfied by the campaign manager.
type Resolver interface {
	OnContactResolved(ctx context.Context, campaignID string) error
}

// Ingester applies provider status callbacks to Call rows and, on
// terminal outcomes, releases the rate-limiter token and settles the
// contact: retry scheduled into the deferred queue, or resolved with a
// disposition.
//
// Callbacks at-least-once and out of order are expected. Duplicates are
// no-ops, events older than the last applied one are discarded, and a
// terminal state is never overwritten (first terminal wins).
type Ingester struct {
	calls     calls.Repository
	contacts  campaign.ContactRepository
	campaigns campaign.Repository
	machine   *callstate.Machine
	limiter   *ratelimit.Limiter
	queue     retryqueue.Queue
	policy    *retry.Policy
	resolver  Resolver

	log   *slog.Logger
	clock func() time.Time

	// onExhausted fires when a contact runs out of attempts, before the
	// resolve is persisted. Optional.
	onExhausted func(campaignID string)

	// wake nudges the dispatcher after a token release or a retry
	// schedule. Optional.
	wake func()
}

type Deps struct {
	Calls     calls.Repository
	Contacts  campaign.ContactRepository
	Campaigns campaign.Repository
	Machine   *callstate.Machine
	Limiter   *ratelimit.Limiter
	Queue     retryqueue.Queue
	Policy    *retry.Policy
	Resolver  Resolver
	Logger    *slog.Logger

	OnExhausted func(campaignID string)
	Wake        func()
}

func New(d Deps) (*Ingester, error) {
	if d.Calls == nil || d.Contacts == nil || d.Campaigns == nil || d.Machine == nil ||
		d.Limiter == nil || d.Queue == nil || d.Policy == nil || d.Resolver == nil {
		return nil, errors.New("ingest: all dependencies are required")
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		calls:       d.Calls,
		contacts:    d.Contacts,
		campaigns:   d.Campaigns,
		machine:     d.Machine,
		limiter:     d.Limiter,
		queue:       d.Queue,
		policy:      d.Policy,
		resolver:    d.Resolver,
		log:         log,
		clock:       time.Now,
		onExhausted: d.OnExhausted,
		wake:        d.Wake,
	}, nil
}

// HandleStatus applies one provider status event. Discarded events
// (unknown call, duplicate, stale, invalid transition) return nil so the
// provider does not redeliver them; only storage failures surface.
func (in *Ingester) HandleStatus(ctx context.Context, cb telephony.StatusCallback) error {
	log := in.log.With("provider_call_id", cb.ProviderCallID, "status", cb.Status)

	call, err := in.calls.GetByProviderID(ctx, cb.ProviderCallID)
	if errors.Is(err, calls.ErrNotFound) {
		log.Warn("status event for unknown call discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: lookup call: %w", err)
	}
	log = log.With("call_id", call.CallID, "campaign_id", call.CampaignID)

	if call.State.Terminal() {
		if cb.Status == call.State {
			// Redelivery of the terminal event.
			return nil
		}
		log.Warn("conflicting terminal event discarded", "terminal_state", call.State)
		return nil
	}
	if !cb.OccurredAt.IsZero() && !call.LastEventAt.IsZero() && cb.OccurredAt.Before(call.LastEventAt) {
		log.Debug("stale status event discarded", "occurred_at", cb.OccurredAt, "last_event_at", call.LastEventAt)
		return nil
	}
	if cb.Status == call.State {
		return nil
	}

	occurredAt := cb.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = in.clock().UTC()
	}

	if !cb.Status.Known() || !callstate.CanTransition(call.State, cb.Status) {
		log.Warn("invalid status transition discarded", "from", call.State)
		return nil
	}
	ev := callstate.Event{
		CallID:          call.CallID,
		CampaignID:      call.CampaignID,
		ContactID:       call.ContactID,
		From:            call.State,
		To:              cb.Status,
		Reason:          cb.ReasonCode,
		DurationSeconds: cb.DurationSeconds,
		At:              occurredAt,
	}

	now := in.clock().UTC()
	call.State = cb.Status
	call.LastEventAt = occurredAt
	call.UpdatedAt = now
	if cb.ReasonCode != "" {
		call.Reason = cb.ReasonCode
	}
	if cb.DurationSeconds > 0 {
		call.DurationSeconds = cb.DurationSeconds
	}
	if cb.Status.Terminal() {
		ended := occurredAt
		call.EndedAt = &ended
	}
	// Persist before emitting: subscribers (metrics) must only see a
	// transition that committed. A failed write surfaces as a 500, the
	// provider redelivers, and the stored call is still in its old state,
	// so the retried event counts exactly once.
	if err := in.calls.Update(ctx, call); err != nil {
		return fmt.Errorf("ingest: update call: %w", err)
	}
	if _, err := in.machine.Apply(ev); err != nil {
		log.Warn("transition event not emitted", "from", ev.From, "err", err)
	}

	if !cb.Status.Terminal() {
		return nil
	}
	return in.finalize(ctx, call, log)
}

// finalize settles a contact after its call reached a terminal state:
// token back first, then retry or resolve.
func (in *Ingester) finalize(ctx context.Context, call calls.Call, log *slog.Logger) error {
	in.limiter.Release(call.CampaignID)
	defer in.nudge()

	c, err := in.campaigns.Get(ctx, call.CampaignID)
	if err != nil {
		return fmt.Errorf("ingest: lookup campaign: %w", err)
	}
	if c.Status.Terminal() {
		// The campaign ended while this call was in flight; its outcome
		// still counts, but no further attempts happen.
		return in.resolve(ctx, call, campaign.DispositionCanceled, log)
	}

	decision := in.policy.Decide(call.State, call.Reason, call.Attempt, c.RetryConfig())
	if decision.Retry {
		if err := in.contacts.Schedule(ctx, call.ContactID); err != nil {
			return fmt.Errorf("ingest: schedule contact: %w", err)
		}
		eligibleAt := in.clock().UTC().Add(decision.Delay)
		err := in.queue.Schedule(ctx, retryqueue.Entry{
			ContactID:  call.ContactID,
			CampaignID: call.CampaignID,
			Attempt:    call.Attempt,
			EligibleAt: eligibleAt,
		})
		if err != nil {
			return fmt.Errorf("ingest: enqueue retry: %w", err)
		}
		log.Info("retry scheduled",
			"contact_id", call.ContactID,
			"attempt", call.Attempt,
			"eligible_at", eligibleAt,
		)
		return nil
	}

	if decision.Reason == retry.ReasonExhausted && in.onExhausted != nil {
		in.onExhausted(call.CampaignID)
	}
	return in.resolve(ctx, call, disposition(call, decision), log)
}

func (in *Ingester) resolve(ctx context.Context, call calls.Call, d campaign.Disposition, log *slog.Logger) error {
	if err := in.contacts.Resolve(ctx, call.ContactID, d); err != nil {
		return fmt.Errorf("ingest: resolve contact: %w", err)
	}
	log.Info("contact resolved", "contact_id", call.ContactID, "disposition", d)
	return in.resolver.OnContactResolved(ctx, call.CampaignID)
}

func (in *Ingester) nudge() {
	if in.wake != nil {
		in.wake()
	}
}

// disposition maps a non-retryable terminal call onto the contact-level
// outcome.
func disposition(call calls.Call, decision retry.Decision) campaign.Disposition {
	switch call.State {
	case callstate.StateCompleted:
		switch call.Reason {
		case "appointment_set":
			return campaign.DispositionAppointmentSet
		case "callback_requested":
			return campaign.DispositionCallbackRequested
		case "voicemail":
			return campaign.DispositionVoicemail
		default:
			return campaign.DispositionCompleted
		}
	case callstate.StateCanceled:
		return campaign.DispositionCanceled
	default:
		if decision.Reason == retry.ReasonExhausted {
			return campaign.DispositionExhausted
		}
		return campaign.DispositionFailed
	}
}
