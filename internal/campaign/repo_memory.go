package campaign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo keeps campaigns in memory for tests and local runs.
type MemoryRepo struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{campaigns: make(map[string]Campaign)}
}

func (r *MemoryRepo) Insert(_ context.Context, c Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.CampaignID] = c
	return nil
}

func (r *MemoryRepo) Update(_ context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.CampaignID]; !ok {
		return ErrNotFound
	}
	r.campaigns[c.CampaignID] = c
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, campaignID string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) ListByStatus(_ context.Context, s Status) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Campaign
	for _, c := range r.campaigns {
		if c.Status == s {
			out = append(out, c)
		}
	}
	sortCampaigns(out)
	return out, nil
}

func (r *MemoryRepo) ListByWorkspace(_ context.Context, workspaceID string) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Campaign
	for _, c := range r.campaigns {
		if c.WorkspaceID == workspaceID {
			out = append(out, c)
		}
	}
	sortCampaigns(out)
	return out, nil
}

func sortCampaigns(cs []Campaign) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
}

// ContactMemoryRepo keeps contacts in memory. The claim CAS is a plain
// mutex-guarded check, which is exactly what the SQL implementation's
// conditional UPDATE gives.
type ContactMemoryRepo struct {
	mu       sync.Mutex
	contacts map[string]Contact
}

func NewContactMemoryRepo() *ContactMemoryRepo {
	return &ContactMemoryRepo{contacts: make(map[string]Contact)}
}

func (r *ContactMemoryRepo) Insert(_ context.Context, c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Stage == "" {
		c.Stage = StageQueued
	}
	r.contacts[c.ContactID] = c
	return nil
}

func (r *ContactMemoryRepo) InsertBatch(_ context.Context, contacts []Contact) error {
	for _, c := range contacts {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range contacts {
		if c.Stage == "" {
			c.Stage = StageQueued
		}
		r.contacts[c.ContactID] = c
	}
	return nil
}

func (r *ContactMemoryRepo) Get(_ context.Context, contactID string) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (r *ContactMemoryRepo) NextEligible(_ context.Context, campaignID string, interleave bool, limit int) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contact
	for _, c := range r.contacts {
		if c.CampaignID == campaignID && c.Stage == StageQueued {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !interleave && out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		return out[i].ImportSeq < out[j].ImportSeq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ContactMemoryRepo) ClaimForDispatch(_ context.Context, contactID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Stage != StageQueued {
		return false, nil
	}
	c.Stage = StageDispatching
	r.contacts[contactID] = c
	return true, nil
}

func (r *ContactMemoryRepo) ReleaseClaim(_ context.Context, contactID string) error {
	return r.moveStage(contactID, StageDispatching, StageQueued)
}

func (r *ContactMemoryRepo) MarkDispatched(_ context.Context, contactID string, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	if c.Stage != StageDispatching {
		return ErrConflict
	}
	c.Stage = StageInFlight
	c.Attempts = attempt
	c.UpdatedAt = time.Now().UTC()
	r.contacts[contactID] = c
	return nil
}

func (r *ContactMemoryRepo) Schedule(_ context.Context, contactID string) error {
	return r.moveStage(contactID, StageInFlight, StageScheduled)
}

func (r *ContactMemoryRepo) Requeue(_ context.Context, contactID string) error {
	return r.moveStage(contactID, StageScheduled, StageQueued)
}

func (r *ContactMemoryRepo) Resolve(_ context.Context, contactID string, d Disposition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	if c.Stage == StageResolved {
		return ErrConflict
	}
	c.Stage = StageResolved
	c.Disposition = d
	c.UpdatedAt = time.Now().UTC()
	r.contacts[contactID] = c
	return nil
}

func (r *ContactMemoryRepo) CountByCampaign(_ context.Context, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.contacts {
		if c.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (r *ContactMemoryRepo) CountUnresolved(_ context.Context, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.contacts {
		if c.CampaignID == campaignID && c.Stage != StageResolved {
			n++
		}
	}
	return n, nil
}

func (r *ContactMemoryRepo) ListUnresolved(_ context.Context, campaignID string) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contact
	for _, c := range r.contacts {
		if c.CampaignID == campaignID && c.Stage != StageResolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportSeq < out[j].ImportSeq })
	return out, nil
}

func (r *ContactMemoryRepo) moveStage(contactID string, from, to Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	if c.Stage != from {
		return ErrConflict
	}
	c.Stage = to
	c.UpdatedAt = time.Now().UTC()
	r.contacts[contactID] = c
	return nil
}
