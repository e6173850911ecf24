package metrics

import (
	"context"
	"log/slog"
	"sync"

	"campaign-dialer/internal/callstate"
)

// Counters are the per-campaign outcome tallies. Monotonically incremented;
// reset is a destructive admin action handled outside this service.
type Counters struct {
	AppointmentsSet   int64 `json:"appointments_set" db:"appointments_set"`
	CallbackRequested int64 `json:"callback_requested" db:"callback_requested"`
	NoAnswer          int64 `json:"no_answer" db:"no_answer"`
	Voicemail         int64 `json:"voicemail" db:"voicemail"`
	Failed            int64 `json:"failed" db:"failed"`
	Completed         int64 `json:"completed" db:"completed"`

	TotalDurationSeconds int64 `json:"total_duration_seconds" db:"total_duration_seconds"`
}

// Aggregator consumes terminal transition events and keeps running
// per-campaign counters. Reads never block dispatch: Snapshot copies under
// a short mutex hold and is eventually consistent with in-flight work.
type Aggregator struct {
	mu         sync.RWMutex
	byCampaign map[string]*Counters

	log *slog.Logger
}

func NewAggregator(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{byCampaign: make(map[string]*Counters), log: log}
}

// HandleTransition is the state-machine subscription point. Non-terminal
// transitions are ignored. The state machine only emits accepted
// transitions, so a duplicated provider callback can never reach here
// twice for the same call.
func (a *Aggregator) HandleTransition(ev callstate.Event) {
	if !ev.To.Terminal() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.countersLocked(ev.CampaignID)

	switch ev.To {
	case callstate.StateCompleted:
		switch ev.Reason {
		case "appointment_set":
			c.AppointmentsSet++
		case "callback_requested":
			c.CallbackRequested++
		case "voicemail":
			c.Voicemail++
		default:
			c.Completed++
		}
	case callstate.StateNoAnswer, callstate.StateBusy:
		c.NoAnswer++
	case callstate.StateFailed, callstate.StateCanceled:
		c.Failed++
	}
	c.TotalDurationSeconds += int64(ev.DurationSeconds)
}

// RecordExhausted counts a contact that ran out of attempts. Exhaustion is
// a contact-level outcome, not a call outcome, so it arrives from the
// ingester rather than the state machine.
func (a *Aggregator) RecordExhausted(campaignID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.countersLocked(campaignID).Failed++
}

// Snapshot returns a point-in-time copy of one campaign's counters.
func (a *Aggregator) Snapshot(campaignID string) Counters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.byCampaign[campaignID]; ok {
		return *c
	}
	return Counters{}
}

// SnapshotAll returns a copy of every campaign's counters.
func (a *Aggregator) SnapshotAll() map[string]Counters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Counters, len(a.byCampaign))
	for id, c := range a.byCampaign {
		out[id] = *c
	}
	return out
}

// Flush persists every campaign's counters through repo. Best-effort: a
// failed write for one campaign does not stop the others.
func (a *Aggregator) Flush(ctx context.Context, repo Repository) {
	if repo == nil {
		return
	}
	for id, c := range a.SnapshotAll() {
		if err := repo.Upsert(ctx, id, c); err != nil {
			a.log.Warn("metrics flush failed", "campaign_id", id, "err", err)
		}
	}
}

func (a *Aggregator) countersLocked(campaignID string) *Counters {
	c, ok := a.byCampaign[campaignID]
	if !ok {
		c = &Counters{}
		a.byCampaign[campaignID] = c
	}
	return c
}
