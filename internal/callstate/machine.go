package callstate

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a single outbound call attempt.
//
// Lifecycle:
//
//	queued -> dispatching -> ringing -> in_progress -> terminal
//
// The five terminal states have no outgoing transitions. Providers may skip
// intermediate states (e.g. dispatching straight to failed on a rejected
// request), so the adjacency table below allows forward skips but never
// backward moves.
type State string

const (
	StateQueued      State = "queued"
	StateDispatching State = "dispatching"
	StateRinging     State = "ringing"
	StateInProgress  State = "in_progress"

	StateCompleted State = "completed"
	StateBusy      State = "busy"
	StateFailed    State = "failed"
	StateNoAnswer  State = "no_answer"
	StateCanceled  State = "canceled"
)

// transitions is the fixed adjacency table. Any pair not listed here is
// rejected as an InvalidTransitionError.
var transitions = map[State][]State{
	StateQueued:      {StateDispatching, StateFailed, StateCanceled},
	StateDispatching: {StateRinging, StateInProgress, StateCompleted, StateBusy, StateFailed, StateNoAnswer, StateCanceled},
	StateRinging:     {StateInProgress, StateCompleted, StateBusy, StateFailed, StateNoAnswer, StateCanceled},
	StateInProgress:  {StateCompleted, StateFailed, StateCanceled},
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateBusy, StateFailed, StateNoAnswer, StateCanceled:
		return true
	}
	return false
}

// Known reports whether s is part of the call lifecycle vocabulary.
func (s State) Known() bool {
	if s.Terminal() {
		return true
	}
	switch s {
	case StateQueued, StateDispatching, StateRinging, StateInProgress:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the adjacency table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a rejected transition. Out-of-order and
// duplicated provider callbacks are expected in normal operation; callers
// log and discard rather than escalate.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("callstate: invalid transition %s -> %s", e.From, e.To)
}

// Event describes one accepted transition. Every accepted transition is
// delivered to all subscribers; terminal events drive metrics and retry
// decisions downstream.
type Event struct {
	CallID     string
	CampaignID string
	ContactID  string

	From State
	To   State

	// Reason is the provider status code/reason attached to the event,
	// if any ("invalid_number", "appointment_set", ...).
	Reason string

	// DurationSeconds is populated on terminal events when the provider
	// reported a call duration.
	DurationSeconds int

	At time.Time
}

// Machine validates transitions against the adjacency table and fans
// accepted transitions out to subscribers.
//
// Idempotency: re-applying a state the call is already in is a no-op, not an
// error, and emits nothing. This keeps duplicated provider callbacks from
// double-counting downstream.
type Machine struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func New() *Machine { return &Machine{} }

// Subscribe registers fn for every accepted transition. Subscribers run
// synchronously on the applying goroutine and must not block.
func (m *Machine) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Apply validates ev.From -> ev.To and, if accepted, notifies subscribers.
// Returns (false, nil) for the idempotent same-state case, and
// (false, *InvalidTransitionError) for anything the table rejects.
func (m *Machine) Apply(ev Event) (bool, error) {
	if !ev.To.Known() {
		return false, &InvalidTransitionError{From: ev.From, To: ev.To}
	}
	if ev.From == ev.To {
		return false, nil
	}
	if !CanTransition(ev.From, ev.To) {
		return false, &InvalidTransitionError{From: ev.From, To: ev.To}
	}

	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return true, nil
}
