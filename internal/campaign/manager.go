package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/retryqueue"
	"campaign-dialer/internal/telephony"
)

var (
	ErrInvalidStatusChange = errors.New("campaign: invalid status change")
	ErrNoContacts          = errors.New("campaign: at least one contact is required to start")
)

// Manager owns the campaign lifecycle and the process-wide set of active
// campaigns the dispatcher consults. The set has an explicit lifecycle:
// populated by Load on startup, refreshed on every status change.
type Manager struct {
	campaigns Repository
	contacts  ContactRepository
	calls     calls.Repository
	gateway   telephony.Gateway
	queue     retryqueue.Queue

	log   *slog.Logger
	clock func() time.Time

	// notify wakes the dispatcher after a change that creates dispatch
	// work (start, resume). Optional.
	notify func()

	mu     sync.RWMutex
	active map[string]Campaign
}

type ManagerDeps struct {
	Campaigns Repository
	Contacts  ContactRepository
	Calls     calls.Repository
	Gateway   telephony.Gateway
	Queue     retryqueue.Queue
	Logger    *slog.Logger
}

func NewManager(d ManagerDeps) (*Manager, error) {
	if d.Campaigns == nil || d.Contacts == nil || d.Calls == nil || d.Queue == nil {
		return nil, errors.New("campaign: manager requires campaign, contact, call repos and a retry queue")
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		campaigns: d.Campaigns,
		contacts:  d.Contacts,
		calls:     d.Calls,
		gateway:   d.Gateway,
		queue:     d.Queue,
		log:       log,
		clock:     time.Now,
		active:    make(map[string]Campaign),
	}, nil
}

// SetNotify registers the dispatcher wakeup hook.
func (m *Manager) SetNotify(fn func()) { m.notify = fn }

// Load populates the active-campaign set from storage. Call once on
// startup before the dispatcher runs.
func (m *Manager) Load(ctx context.Context) error {
	actives, err := m.campaigns.ListByStatus(ctx, StatusActive)
	if err != nil {
		return fmt.Errorf("campaign: load active set: %w", err)
	}
	m.mu.Lock()
	m.active = make(map[string]Campaign, len(actives))
	for _, c := range actives {
		m.active[c.CampaignID] = c
	}
	m.mu.Unlock()
	m.log.Info("active campaigns loaded", "count", len(actives))
	return nil
}

// ActiveCampaigns returns a snapshot of campaigns eligible for dispatch.
func (m *Manager) ActiveCampaigns() []Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Campaign, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, c)
	}
	return out
}

// IsActive is the synchronous pre-dispatch check: pause and cancel take
// effect for future dispatch decisions the moment they commit.
func (m *Manager) IsActive(campaignID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[campaignID]
	return ok
}

// Get returns a workspace-scoped campaign.
func (m *Manager) Get(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := m.campaigns.Get(ctx, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.WorkspaceID != workspaceID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

// List returns all campaigns in a workspace.
func (m *Manager) List(ctx context.Context, workspaceID string) ([]Campaign, error) {
	return m.campaigns.ListByWorkspace(ctx, workspaceID)
}

// Create validates and persists a new draft campaign.
func (m *Manager) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.CampaignID == "" {
		c.CampaignID = uuid.NewString()
	}
	c.Status = StatusDraft
	now := m.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := c.Validate(); err != nil {
		return Campaign{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := m.campaigns.Insert(ctx, c); err != nil {
		return Campaign{}, err
	}
	m.log.Info("campaign created", "campaign_id", c.CampaignID, "workspace_id", c.WorkspaceID)
	return c, nil
}

// ImportContacts appends contacts to a non-terminal campaign, preserving
// the given order for FIFO dispatch. Returns the number imported.
func (m *Manager) ImportContacts(ctx context.Context, workspaceID, campaignID string, contacts []Contact) (int, error) {
	c, err := m.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status.Terminal() {
		return 0, fmt.Errorf("%w: import into %s campaign", ErrInvalidStatusChange, c.Status)
	}
	base, err := m.contacts.CountByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	batch := make([]Contact, 0, len(contacts))
	now := m.clock()
	for i, contact := range contacts {
		contact.CampaignID = campaignID
		contact.WorkspaceID = workspaceID
		contact.Stage = StageQueued
		contact.ImportSeq = int64(base + i + 1)
		contact.CreatedAt = now
		contact.UpdatedAt = now
		if contact.ContactID == "" {
			contact.ContactID = uuid.NewString()
		}
		if err := contact.Validate(); err != nil {
			return 0, fmt.Errorf("%w: contact %d: %w", ErrInvalidRecord, i, err)
		}
		batch = append(batch, contact)
	}
	if err := m.contacts.InsertBatch(ctx, batch); err != nil {
		return 0, err
	}
	m.log.Info("contacts imported", "campaign_id", campaignID, "count", len(batch))
	if len(batch) > 0 && m.IsActive(campaignID) && m.notify != nil {
		m.notify()
	}
	return len(batch), nil
}

// Start moves a draft campaign to active. Requires at least one contact.
func (m *Manager) Start(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := m.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusDraft {
		return Campaign{}, fmt.Errorf("%w: %s -> active", ErrInvalidStatusChange, c.Status)
	}
	n, err := m.contacts.CountByCampaign(ctx, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if n == 0 {
		return Campaign{}, ErrNoContacts
	}
	return m.setStatus(ctx, c, StatusActive)
}

// Pause halts new dispatch for the campaign; in-flight calls finish
// naturally.
func (m *Manager) Pause(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := m.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusActive {
		return Campaign{}, fmt.Errorf("%w: %s -> paused", ErrInvalidStatusChange, c.Status)
	}
	return m.setStatus(ctx, c, StatusPaused)
}

// Resume reactivates a paused campaign.
func (m *Manager) Resume(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := m.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusPaused {
		return Campaign{}, fmt.Errorf("%w: %s -> active", ErrInvalidStatusChange, c.Status)
	}
	return m.setStatus(ctx, c, StatusActive)
}

// Cancel terminates a campaign from any non-terminal status. Pending retry
// work is dropped, unstarted contacts are resolved as canceled, and
// in-flight calls get a best-effort EndCall; their eventual terminal
// callbacks are still processed normally.
func (m *Manager) Cancel(ctx context.Context, workspaceID, campaignID string) (Campaign, error) {
	c, err := m.Get(ctx, workspaceID, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if !c.Status.CanTransition(StatusCanceled) {
		return Campaign{}, fmt.Errorf("%w: %s -> canceled", ErrInvalidStatusChange, c.Status)
	}
	c, err = m.setStatus(ctx, c, StatusCanceled)
	if err != nil {
		return Campaign{}, err
	}

	if err := m.queue.DropCampaign(ctx, campaignID); err != nil {
		m.log.Warn("retry queue drop failed", "campaign_id", campaignID, "err", err)
	}

	unresolved, err := m.contacts.ListUnresolved(ctx, campaignID)
	if err != nil {
		return c, err
	}
	for _, contact := range unresolved {
		// In-flight contacts drain through the ingester; only contacts
		// with no live call resolve as canceled here.
		if contact.Stage == StageInFlight || contact.Stage == StageDispatching {
			continue
		}
		if err := m.contacts.Resolve(ctx, contact.ContactID, DispositionCanceled); err != nil {
			m.log.Warn("contact cancel resolve failed", "contact_id", contact.ContactID, "err", err)
		}
	}

	m.endInFlightCalls(ctx, campaignID)
	return c, nil
}

// OnContactResolved runs the auto-completion check: once every contact in
// an active campaign carries a terminal disposition the campaign completes.
func (m *Manager) OnContactResolved(ctx context.Context, campaignID string) error {
	m.mu.RLock()
	c, ok := m.active[campaignID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	n, err := m.contacts.CountUnresolved(ctx, campaignID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := m.setStatus(ctx, c, StatusCompleted); err != nil {
		return err
	}
	if err := m.queue.DropCampaign(ctx, campaignID); err != nil {
		m.log.Warn("retry queue drop failed", "campaign_id", campaignID, "err", err)
	}
	m.log.Info("campaign completed", "campaign_id", campaignID)
	return nil
}

func (m *Manager) setStatus(ctx context.Context, c Campaign, to Status) (Campaign, error) {
	if !c.Status.CanTransition(to) {
		return Campaign{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, c.Status, to)
	}
	from := c.Status
	c.Status = to
	c.UpdatedAt = m.clock().UTC()
	if err := m.campaigns.Update(ctx, c); err != nil {
		return Campaign{}, err
	}

	m.mu.Lock()
	if to == StatusActive {
		m.active[c.CampaignID] = c
	} else {
		delete(m.active, c.CampaignID)
	}
	m.mu.Unlock()

	m.log.Info("campaign status changed", "campaign_id", c.CampaignID, "from", from, "to", to)
	if to == StatusActive && m.notify != nil {
		m.notify()
	}
	return c, nil
}

// endInFlightCalls asks the gateway to terminate live calls. Failures are
// logged, never escalated: the provider's terminal callback will arrive
// either way.
func (m *Manager) endInFlightCalls(ctx context.Context, campaignID string) {
	if m.gateway == nil {
		return
	}
	inFlight, err := m.calls.ListInFlightByCampaign(ctx, campaignID)
	if err != nil {
		m.log.Warn("in-flight call listing failed", "campaign_id", campaignID, "err", err)
		return
	}
	for _, call := range inFlight {
		req := telephony.EndCallRequest{WorkspaceID: call.WorkspaceID, ProviderCallID: call.ProviderCallID}
		if err := m.gateway.EndCall(ctx, req); err != nil {
			m.log.Warn("end call failed", "provider_call_id", call.ProviderCallID, "err", err)
		}
	}
}
