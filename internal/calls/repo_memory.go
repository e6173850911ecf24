package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	byID   map[string]Call
	byPCID map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Call), byPCID: make(map[string]string)}
}

func (r *MemoryRepo) Insert(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.CallID] = c
	if c.ProviderCallID != "" {
		r.byPCID[c.ProviderCallID] = c.CallID
	}
	return nil
}

func (r *MemoryRepo) Update(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.CallID]; !ok {
		return ErrNotFound
	}
	r.byID[c.CallID] = c
	if c.ProviderCallID != "" {
		r.byPCID[c.ProviderCallID] = c.CallID
	}
	return nil
}

func (r *MemoryRepo) GetByProviderID(_ context.Context, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPCID[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepo) ListByContact(_ context.Context, workspaceID, contactID string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.byID {
		if c.WorkspaceID == workspaceID && c.ContactID == contactID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (r *MemoryRepo) ListInFlightByCampaign(_ context.Context, campaignID string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.byID {
		if c.CampaignID == campaignID && c.InFlight() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
