package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Limiter is an in-process bounded-concurrency token pool with a global
// ceiling and optional per-campaign ceilings (always clamped to the global
// one). Waiters are granted tokens in FIFO order of request across
// campaigns, so a high-volume campaign cannot starve the others: a waiter is
// only ever skipped when its own campaign cap is full.
//
// A token is held for the whole life of a call and released when the call
// reaches a terminal state (or when dispatch fails before a call exists).
type Limiter struct {
	mu sync.Mutex

	globalLimit int
	globalInUse int

	campaignLimit map[string]int
	campaignInUse map[string]int

	waiters []*waiter
}

type waiter struct {
	campaignID string
	ready      chan struct{}
	granted    bool
}

var errBadLimit = errors.New("ratelimit: limit must be > 0")

func New(globalLimit int) (*Limiter, error) {
	if globalLimit <= 0 {
		return nil, errBadLimit
	}
	return &Limiter{
		globalLimit:   globalLimit,
		campaignLimit: make(map[string]int),
		campaignInUse: make(map[string]int),
	}, nil
}

// SetCampaignLimit sets the per-campaign ceiling. Values above the global
// limit are clamped; zero or negative removes the override (campaign then
// only bounded by the global ceiling).
func (l *Limiter) SetCampaignLimit(campaignID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.campaignLimit, campaignID)
	} else {
		if limit > l.globalLimit {
			limit = l.globalLimit
		}
		l.campaignLimit[campaignID] = limit
	}
	l.grantLocked()
}

// Acquire blocks until a token is granted, maxWait elapses, or ctx is
// canceled. A false return with nil error means the bounded wait expired;
// callers defer the contact to the next dispatch cycle rather than failing
// it.
func (l *Limiter) Acquire(ctx context.Context, campaignID string, maxWait time.Duration) (bool, error) {
	l.mu.Lock()
	if len(l.waiters) == 0 && l.canGrantLocked(campaignID) {
		l.takeLocked(campaignID)
		l.mu.Unlock()
		return true, nil
	}

	w := &waiter{campaignID: campaignID, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	// Earlier waiters may all be blocked on their campaign caps; run a
	// grant pass so capacity for this campaign is handed out now instead
	// of on the next Release.
	l.grantLocked()
	l.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-w.ready:
		return true, nil
	case <-timer.C:
		return l.abandon(w), nil
	case <-ctx.Done():
		if l.abandon(w) {
			// Granted in the race window; hand the token back.
			l.Release(campaignID)
		}
		return false, ctx.Err()
	}
}

// TryAcquire grants a token only if one is immediately available and no
// earlier waiter is queued.
func (l *Limiter) TryAcquire(campaignID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 || !l.canGrantLocked(campaignID) {
		return false
	}
	l.takeLocked(campaignID)
	return true
}

// Release returns a token and wakes eligible waiters.
func (l *Limiter) Release(campaignID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalInUse > 0 {
		l.globalInUse--
	}
	if l.campaignInUse[campaignID] > 0 {
		l.campaignInUse[campaignID]--
	}
	l.grantLocked()
}

// InUse returns the current in-flight token count for a campaign.
func (l *Limiter) InUse(campaignID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaignInUse[campaignID]
}

// GlobalInUse returns the total in-flight token count.
func (l *Limiter) GlobalInUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalInUse
}

// abandon removes w from the queue after a timeout or cancellation.
// Returns true when the grant already happened and the caller now owns a
// token it did not want.
func (l *Limiter) abandon(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return true
	}
	for i, q := range l.waiters {
		if q == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	return false
}

func (l *Limiter) canGrantLocked(campaignID string) bool {
	if l.globalInUse >= l.globalLimit {
		return false
	}
	limit, ok := l.campaignLimit[campaignID]
	if !ok {
		limit = l.globalLimit
	}
	return l.campaignInUse[campaignID] < limit
}

func (l *Limiter) takeLocked(campaignID string) {
	l.globalInUse++
	l.campaignInUse[campaignID]++
}

// grantLocked walks the waiter queue in arrival order and grants every
// waiter whose campaign has capacity, stopping once the global pool is
// exhausted.
func (l *Limiter) grantLocked() {
	i := 0
	for i < len(l.waiters) && l.globalInUse < l.globalLimit {
		w := l.waiters[i]
		if !l.canGrantLocked(w.campaignID) {
			i++
			continue
		}
		l.takeLocked(w.campaignID)
		w.granted = true
		close(w.ready)
		l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
	}
}
