package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/callstate"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
)

type fakeGateway struct {
	mu     sync.Mutex
	ended  []string
	endErr error
}

func (g *fakeGateway) Name() string                          { return "fake" }
func (g *fakeGateway) HealthCheck(context.Context) error      { return nil }
func (g *fakeGateway) InitiateCall(context.Context, telephony.InitiateCallRequest) (telephony.InitiateCallResult, error) {
	return telephony.InitiateCallResult{}, errors.New("not used")
}
func (g *fakeGateway) EndCall(_ context.Context, req telephony.EndCallRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended = append(g.ended, req.ProviderCallID)
	return g.endErr
}

type managerFixture struct {
	mgr      *Manager
	repo     *MemoryRepo
	contacts *ContactMemoryRepo
	calls    *calls.MemoryRepo
	queue    *retryqueue.MemoryQueue
	gateway  *fakeGateway
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		repo:     NewMemoryRepo(),
		contacts: NewContactMemoryRepo(),
		calls:    calls.NewMemoryRepo(),
		queue:    retryqueue.NewMemory(),
		gateway:  &fakeGateway{},
	}
	mgr, err := NewManager(ManagerDeps{
		Campaigns: f.repo,
		Contacts:  f.contacts,
		Calls:     f.calls,
		Gateway:   f.gateway,
		Queue:     f.queue,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *managerFixture) seedCampaign(t *testing.T, status Status) Campaign {
	t.Helper()
	c := Campaign{
		CampaignID:  "camp-1",
		WorkspaceID: "ws-1",
		OwnerUserID: "user-1",
		Name:        "Q3 outreach",
		Script:      "Hello!",
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.repo.Insert(context.Background(), c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if status == StatusActive {
		f.mgr.active[c.CampaignID] = c
	}
	return c
}

func (f *managerFixture) seedContact(t *testing.T, id string, stage Stage) {
	t.Helper()
	err := f.contacts.Insert(context.Background(), Contact{
		ContactID:   id,
		CampaignID:  "camp-1",
		WorkspaceID: "ws-1",
		Phone:       "+15550100200",
		Stage:       stage,
	})
	if err != nil {
		t.Fatalf("seed contact: %v", err)
	}
}

func TestImportContacts_AssignsSequenceAndStage(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusDraft)
	ctx := context.Background()

	n, err := f.mgr.ImportContacts(ctx, "ws-1", "camp-1", []Contact{
		{Phone: "+15550100201"},
		{Phone: "+15550100202"},
	})
	if err != nil || n != 2 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}

	list, _ := f.contacts.ListUnresolved(ctx, "camp-1")
	if len(list) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(list))
	}
	for i, c := range list {
		if c.ImportSeq != int64(i+1) || c.Stage != StageQueued {
			t.Fatalf("contact %d: seq=%d stage=%q", i, c.ImportSeq, c.Stage)
		}
	}

	// A later batch continues the sequence.
	if _, err := f.mgr.ImportContacts(ctx, "ws-1", "camp-1", []Contact{{Phone: "+15550100203"}}); err != nil {
		t.Fatalf("second import: %v", err)
	}
	list, _ = f.contacts.ListUnresolved(ctx, "camp-1")
	if last := list[len(list)-1]; last.ImportSeq != 3 {
		t.Fatalf("expected seq 3, got %d", last.ImportSeq)
	}
}

func TestImportContacts_InvalidContactImportsNothing(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusDraft)
	ctx := context.Background()

	_, err := f.mgr.ImportContacts(ctx, "ws-1", "camp-1", []Contact{
		{Phone: "+15550100201"},
		{Phone: "not-a-number"},
	})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if n, _ := f.contacts.CountByCampaign(ctx, "camp-1"); n != 0 {
		t.Fatalf("a rejected batch must import nothing, got %d", n)
	}
}

func TestImportContacts_TerminalCampaignRejected(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusCanceled)
	_, err := f.mgr.ImportContacts(context.Background(), "ws-1", "camp-1", []Contact{{Phone: "+15550100201"}})
	if !errors.Is(err, ErrInvalidStatusChange) {
		t.Fatalf("expected ErrInvalidStatusChange, got %v", err)
	}
}

func TestStart_RequiresDraftAndContacts(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusDraft)
	ctx := context.Background()

	if _, err := f.mgr.Start(ctx, "ws-1", "camp-1"); !errors.Is(err, ErrNoContacts) {
		t.Fatalf("expected ErrNoContacts, got %v", err)
	}

	f.seedContact(t, "ct-1", StageQueued)
	c, err := f.mgr.Start(ctx, "ws-1", "camp-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Status != StatusActive || !f.mgr.IsActive("camp-1") {
		t.Fatalf("expected active campaign, got %+v", c)
	}

	// A second start is an invalid transition.
	if _, err := f.mgr.Start(ctx, "ws-1", "camp-1"); !errors.Is(err, ErrInvalidStatusChange) {
		t.Fatalf("expected ErrInvalidStatusChange, got %v", err)
	}
}

func TestStart_WorkspaceScoped(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusDraft)
	if _, err := f.mgr.Start(context.Background(), "ws-other", "camp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign workspace, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusActive)
	ctx := context.Background()

	c, err := f.mgr.Pause(ctx, "ws-1", "camp-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if c.Status != StatusPaused || f.mgr.IsActive("camp-1") {
		t.Fatalf("pause must leave the active set immediately")
	}

	c, err = f.mgr.Resume(ctx, "ws-1", "camp-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.Status != StatusActive || !f.mgr.IsActive("camp-1") {
		t.Fatalf("resume must rejoin the active set")
	}
}

func TestCancel_DropsRetryWorkAndEndsInFlight(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusActive)
	ctx := context.Background()

	f.seedContact(t, "ct-queued", StageQueued)
	f.seedContact(t, "ct-flying", StageInFlight)
	_ = f.queue.Schedule(ctx, retryqueue.Entry{ContactID: "ct-sched", CampaignID: "camp-1", EligibleAt: time.Now().Add(time.Hour)})
	_ = f.calls.Insert(ctx, calls.Call{
		CallID: "call-1", WorkspaceID: "ws-1", CampaignID: "camp-1", ContactID: "ct-flying",
		ProviderCallID: "CA9", State: callstate.StateInProgress,
	})

	c, err := f.mgr.Cancel(ctx, "ws-1", "camp-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Status != StatusCanceled || f.mgr.IsActive("camp-1") {
		t.Fatalf("expected canceled campaign out of active set")
	}

	if n, _ := f.queue.Pending(ctx); n != 0 {
		t.Fatalf("pending retry work must be dropped, got %d", n)
	}
	queued, _ := f.contacts.Get(ctx, "ct-queued")
	if queued.Disposition != DispositionCanceled {
		t.Fatalf("queued contact should resolve canceled, got %q", queued.Disposition)
	}
	flying, _ := f.contacts.Get(ctx, "ct-flying")
	if flying.Stage == StageResolved {
		t.Fatalf("in-flight contact must drain via its terminal callback")
	}
	if len(f.gateway.ended) != 1 || f.gateway.ended[0] != "CA9" {
		t.Fatalf("expected best-effort end of CA9, got %v", f.gateway.ended)
	}
}

func TestCancel_EndCallFailureIsNotEscalated(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusActive)
	f.gateway.endErr = errors.New("provider down")
	ctx := context.Background()
	_ = f.calls.Insert(ctx, calls.Call{
		CallID: "call-1", WorkspaceID: "ws-1", CampaignID: "camp-1", ContactID: "ct-1",
		ProviderCallID: "CA9", State: callstate.StateRinging,
	})

	if _, err := f.mgr.Cancel(ctx, "ws-1", "camp-1"); err != nil {
		t.Fatalf("cancel must succeed despite end-call failure: %v", err)
	}
}

func TestCancel_TerminalCampaignRejected(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusCompleted)
	if _, err := f.mgr.Cancel(context.Background(), "ws-1", "camp-1"); !errors.Is(err, ErrInvalidStatusChange) {
		t.Fatalf("completed campaign must not cancel, got %v", err)
	}
}

func TestOnContactResolved_AutoCompletes(t *testing.T) {
	f := newManagerFixture(t)
	f.seedCampaign(t, StatusActive)
	ctx := context.Background()

	f.seedContact(t, "ct-1", StageResolved)
	f.seedContact(t, "ct-2", StageInFlight)

	if err := f.mgr.OnContactResolved(ctx, "camp-1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if c, _ := f.repo.Get(ctx, "camp-1"); c.Status != StatusActive {
		t.Fatalf("campaign must stay active while contacts are unresolved")
	}

	_ = f.contacts.Resolve(ctx, "ct-2", DispositionCompleted)
	if err := f.mgr.OnContactResolved(ctx, "camp-1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	c, _ := f.repo.Get(ctx, "camp-1")
	if c.Status != StatusCompleted {
		t.Fatalf("expected auto-completion, got %s", c.Status)
	}
	if f.mgr.IsActive("camp-1") {
		t.Fatalf("completed campaign must leave the active set")
	}
}

func TestLoad_PopulatesActiveSet(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	_ = f.repo.Insert(ctx, Campaign{CampaignID: "a", WorkspaceID: "ws", Name: "a", Script: "s", Status: StatusActive})
	_ = f.repo.Insert(ctx, Campaign{CampaignID: "b", WorkspaceID: "ws", Name: "b", Script: "s", Status: StatusDraft})

	if err := f.mgr.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !f.mgr.IsActive("a") || f.mgr.IsActive("b") {
		t.Fatalf("active set mismatch")
	}
}
