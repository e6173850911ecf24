package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/callstate"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
)

type fakeResolver struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeResolver) OnContactResolved(_ context.Context, campaignID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, campaignID)
	return nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

// failingCallRepo lets a test fail the next call write.
type failingCallRepo struct {
	*calls.MemoryRepo
	failNextUpdate bool
}

func (r *failingCallRepo) Update(ctx context.Context, c calls.Call) error {
	if r.failNextUpdate {
		r.failNextUpdate = false
		return errors.New("storage unavailable")
	}
	return r.MemoryRepo.Update(ctx, c)
}

type fixture struct {
	ingester  *Ingester
	calls     *calls.MemoryRepo
	callRepo  *failingCallRepo
	contacts  *campaign.ContactMemoryRepo
	campaigns *campaign.MemoryRepo
	limiter   *ratelimit.Limiter
	queue     *retryqueue.MemoryQueue
	resolver  *fakeResolver
	metrics   *metrics.Aggregator
	exhausted []string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lim, err := ratelimit.New(10)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	f := &fixture{
		calls:     calls.NewMemoryRepo(),
		contacts:  campaign.NewContactMemoryRepo(),
		campaigns: campaign.NewMemoryRepo(),
		limiter:   lim,
		queue:     retryqueue.NewMemory(),
		resolver:  &fakeResolver{},
		metrics:   metrics.NewAggregator(nil),
		now:       time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.callRepo = &failingCallRepo{MemoryRepo: f.calls}
	machine := callstate.New()
	machine.Subscribe(f.metrics.HandleTransition)
	in, err := New(Deps{
		Calls:     f.callRepo,
		Contacts:  f.contacts,
		Campaigns: f.campaigns,
		Machine:   machine,
		Limiter:   f.limiter,
		Queue:     f.queue,
		Policy:    retry.NewWithRand(func() float64 { return 0 }),
		Resolver:  f.resolver,
		OnExhausted: func(campaignID string) {
			f.exhausted = append(f.exhausted, campaignID)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in.clock = func() time.Time { return f.now }
	f.ingester = in
	return f
}

// seedInFlight sets up an active campaign with one in-flight call on its
// attempt'th attempt, holding one limiter token.
func (f *fixture) seedInFlight(t *testing.T, attempt int) {
	t.Helper()
	ctx := context.Background()
	err := f.campaigns.Insert(ctx, campaign.Campaign{
		CampaignID:     "cmp-1",
		WorkspaceID:    "ws-1",
		Name:           "reminders",
		Status:         campaign.StatusActive,
		Script:         "Hello.",
		Language:       "en-US",
		MaxAttempts:    3,
		RetryBaseDelay: 15 * time.Minute,
		RetryMaxDelay:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
	err = f.contacts.Insert(ctx, campaign.Contact{
		ContactID:   "ct-1",
		CampaignID:  "cmp-1",
		WorkspaceID: "ws-1",
		Phone:       "+15550000001",
		ImportSeq:   1,
		Attempts:    attempt,
		Stage:       campaign.StageInFlight,
	})
	if err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	err = f.calls.Insert(ctx, calls.Call{
		CallID:         "call-1",
		WorkspaceID:    "ws-1",
		CampaignID:     "cmp-1",
		ContactID:      "ct-1",
		ProviderCallID: "PC1",
		Direction:      calls.DirectionOutbound,
		State:          callstate.StateRinging,
		Attempt:        attempt,
		StartedAt:      f.now.Add(-time.Minute),
		LastEventAt:    f.now.Add(-30 * time.Second),
	})
	if err != nil {
		t.Fatalf("insert call: %v", err)
	}
	if !f.limiter.TryAcquire("cmp-1") {
		t.Fatal("TryAcquire failed for seeded call")
	}
}

func (f *fixture) handle(t *testing.T, cb telephony.StatusCallback) {
	t.Helper()
	if err := f.ingester.HandleStatus(context.Background(), cb); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
}

func (f *fixture) call(t *testing.T) calls.Call {
	t.Helper()
	c, err := f.calls.GetByProviderID(context.Background(), "PC1")
	if err != nil {
		t.Fatalf("GetByProviderID: %v", err)
	}
	return c
}

func (f *fixture) contact(t *testing.T) campaign.Contact {
	t.Helper()
	c, err := f.contacts.Get(context.Background(), "ct-1")
	if err != nil {
		t.Fatalf("Get contact: %v", err)
	}
	return c
}

func TestNonTerminalEventAdvancesCall(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateInProgress,
		OccurredAt:     f.now,
	})

	call := f.call(t)
	if call.State != callstate.StateInProgress {
		t.Fatalf("call state = %s, want in_progress", call.State)
	}
	if !call.LastEventAt.Equal(f.now) {
		t.Fatalf("LastEventAt = %v, want %v", call.LastEventAt, f.now)
	}
	if got := f.limiter.InUse("cmp-1"); got != 1 {
		t.Fatalf("token released on non-terminal event, in use = %d", got)
	}
}

func TestCompletedReleasesTokenAndResolvesContact(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID:  "PC1",
		Status:          callstate.StateCompleted,
		OccurredAt:      f.now,
		DurationSeconds: 42,
		ReasonCode:      "appointment_set",
	})

	call := f.call(t)
	if call.State != callstate.StateCompleted || call.DurationSeconds != 42 {
		t.Fatalf("call state=%s duration=%d, want completed/42", call.State, call.DurationSeconds)
	}
	if call.EndedAt == nil {
		t.Fatal("EndedAt not set on terminal event")
	}
	ct := f.contact(t)
	if ct.Stage != campaign.StageResolved || ct.Disposition != campaign.DispositionAppointmentSet {
		t.Fatalf("contact stage=%s disposition=%s, want resolved/appointment_set", ct.Stage, ct.Disposition)
	}
	if got := f.limiter.InUse("cmp-1"); got != 0 {
		t.Fatalf("tokens in use = %d, want 0 after terminal event", got)
	}
	if f.resolver.count() != 1 {
		t.Fatalf("resolution hook fired %d times, want 1", f.resolver.count())
	}
}

func TestDuplicateTerminalEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	cb := telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateCompleted,
		OccurredAt:     f.now,
	}
	f.handle(t, cb)
	f.handle(t, cb)

	if f.resolver.count() != 1 {
		t.Fatalf("resolution hook fired %d times on redelivery, want 1", f.resolver.count())
	}
	if got := f.limiter.InUse("cmp-1"); got != 0 {
		t.Fatalf("tokens in use = %d, want 0", got)
	}
}

func TestRedeliveryAfterFailedWriteCountsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	cb := telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateCompleted,
		OccurredAt:     f.now,
	}

	// First delivery fails to persist; the provider sees a 500 and
	// redelivers the identical event.
	f.callRepo.failNextUpdate = true
	if err := f.ingester.HandleStatus(context.Background(), cb); err == nil {
		t.Fatal("expected storage error to surface")
	}
	if got := f.metrics.Snapshot("cmp-1").Completed; got != 0 {
		t.Fatalf("completed counter = %d before a committed write, want 0", got)
	}
	if got := f.call(t).State; got != callstate.StateRinging {
		t.Fatalf("call state = %s after failed write, want ringing", got)
	}

	f.handle(t, cb)

	if got := f.metrics.Snapshot("cmp-1").Completed; got != 1 {
		t.Fatalf("completed counter = %d after one call, want 1", got)
	}
	if f.resolver.count() != 1 {
		t.Fatalf("resolution hook fired %d times, want 1", f.resolver.count())
	}
}

func TestConflictingTerminalDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateCompleted,
		OccurredAt:     f.now,
	})
	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateNoAnswer,
		OccurredAt:     f.now.Add(time.Second),
	})

	if got := f.call(t).State; got != callstate.StateCompleted {
		t.Fatalf("call state = %s, want first terminal to win", got)
	}
}

func TestStaleEventDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateInProgress,
		OccurredAt:     f.now,
	})
	// A ringing event from before the answer arrives late.
	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateRinging,
		OccurredAt:     f.now.Add(-10 * time.Second),
	})

	if got := f.call(t).State; got != callstate.StateInProgress {
		t.Fatalf("call state = %s, want stale event discarded", got)
	}
}

func TestUnknownProviderCallIgnored(t *testing.T) {
	f := newFixture(t)
	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC-unknown",
		Status:         callstate.StateCompleted,
		OccurredAt:     f.now,
	})
	if f.resolver.count() != 0 {
		t.Fatal("resolution hook fired for unknown call")
	}
}

func TestNoAnswerSchedulesRetryWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateNoAnswer,
		OccurredAt:     f.now,
	})

	ct := f.contact(t)
	if ct.Stage != campaign.StageScheduled {
		t.Fatalf("contact stage = %s, want scheduled", ct.Stage)
	}
	due, err := f.queue.PopDue(context.Background(), f.now.Add(15*time.Minute), 10)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 1 || due[0].ContactID != "ct-1" {
		t.Fatalf("due = %v, want one entry for ct-1", due)
	}
	if !due[0].EligibleAt.Equal(f.now.Add(15 * time.Minute)) {
		t.Fatalf("EligibleAt = %v, want base delay after first attempt", due[0].EligibleAt)
	}
	if f.resolver.count() != 0 {
		t.Fatal("resolution hook fired for a retried contact")
	}
}

func TestExhaustionResolvesContact(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 3)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateNoAnswer,
		OccurredAt:     f.now,
	})

	ct := f.contact(t)
	if ct.Stage != campaign.StageResolved || ct.Disposition != campaign.DispositionExhausted {
		t.Fatalf("contact stage=%s disposition=%s, want resolved/exhausted", ct.Stage, ct.Disposition)
	}
	if len(f.exhausted) != 1 || f.exhausted[0] != "cmp-1" {
		t.Fatalf("exhaustion hook = %v, want [cmp-1]", f.exhausted)
	}
	if n, err := f.queue.Pending(context.Background()); err != nil || n != 0 {
		t.Fatalf("pending retries = %d, %v, want 0", n, err)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateFailed,
		OccurredAt:     f.now,
		ReasonCode:     "invalid_number",
	})

	ct := f.contact(t)
	if ct.Stage != campaign.StageResolved || ct.Disposition != campaign.DispositionFailed {
		t.Fatalf("contact stage=%s disposition=%s, want resolved/failed", ct.Stage, ct.Disposition)
	}
	if n, _ := f.queue.Pending(context.Background()); n != 0 {
		t.Fatalf("pending retries = %d for permanent failure, want 0", n)
	}
}

func TestTerminalCampaignSkipsRetry(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	ctx := context.Background()
	c, err := f.campaigns.Get(ctx, "cmp-1")
	if err != nil {
		t.Fatalf("Get campaign: %v", err)
	}
	c.Status = campaign.StatusCanceled
	if err := f.campaigns.Update(ctx, c); err != nil {
		t.Fatalf("Update campaign: %v", err)
	}

	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateNoAnswer,
		OccurredAt:     f.now,
	})

	ct := f.contact(t)
	if ct.Stage != campaign.StageResolved || ct.Disposition != campaign.DispositionCanceled {
		t.Fatalf("contact stage=%s disposition=%s, want resolved/canceled", ct.Stage, ct.Disposition)
	}
	if n, _ := f.queue.Pending(context.Background()); n != 0 {
		t.Fatalf("pending retries = %d for canceled campaign, want 0", n)
	}
}

func TestInvalidTransitionDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)

	// ringing -> queued never happens in the lifecycle.
	f.handle(t, telephony.StatusCallback{
		ProviderCallID: "PC1",
		Status:         callstate.StateQueued,
		OccurredAt:     f.now,
	})

	if got := f.call(t).State; got != callstate.StateRinging {
		t.Fatalf("call state = %s, want unchanged after invalid transition", got)
	}
}
