package retry

import (
	"math/rand"
	"time"

	"campaign-dialer/internal/callstate"
)

// Config is the per-campaign retry configuration. Zero values fall back to
// the defaults below via withDefaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter is the maximum upward fraction added to a computed delay
	// (0.2 means delays land in [d, d*1.2]).
	Jitter float64
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 15 * time.Minute
	DefaultMaxDelay    = 24 * time.Hour
	DefaultJitter      = 0.2
)

// merge fills c's zero fields from base. Campaign settings always win
// over the service-wide fallback.
func (c Config) merge(base Config) Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = base.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = base.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = base.MaxDelay
	}
	if c.Jitter == 0 {
		c.Jitter = base.Jitter
	}
	return c
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.Jitter == 0 {
		out.Jitter = DefaultJitter
	}
	return out
}

// Decision reasons. These end up in logs and in the contact's resolution
// path, so keep them stable.
const (
	ReasonRetryScheduled = "retry_scheduled"
	ReasonNotRetryable   = "not_retryable"
	ReasonPermanentError = "permanent_error"
	ReasonExhausted      = "exhausted"
)

// Decision is the ephemeral outcome of a retry evaluation. It is never
// persisted; the scheduled retry itself lives in the deferred-work queue.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// permanentReasons are provider reason codes that make a failed call
// unretryable regardless of attempt count.
var permanentReasons = map[string]struct{}{
	"invalid_number": {},
	"number_blocked": {},
	"no_route":       {},
	"unreachable":    {},
	"do_not_call":    {},
}

// PermanentReason reports whether a provider reason code is a permanent
// dispatch failure.
func PermanentReason(code string) bool {
	_, ok := permanentReasons[code]
	return ok
}

// Policy decides whether a terminal call outcome should be retried.
// The random source is injectable so jitter bounds can be tested.
type Policy struct {
	rand func() float64

	// base fills campaign retry fields left at zero; its own zero fields
	// fall through to the package defaults.
	base Config
}

func New() *Policy {
	return &Policy{rand: rand.Float64}
}

// NewWithConfig builds a policy with a service-wide fallback config,
// normally sourced from the environment.
func NewWithConfig(base Config) *Policy {
	return &Policy{rand: rand.Float64, base: base}
}

// NewWithRand builds a policy with a fixed random source for tests.
func NewWithRand(r func() float64) *Policy {
	return &Policy{rand: r}
}

// Decide evaluates a terminal outcome for the attempt that just finished
// (attempt numbers start at 1). busy, no_answer and transient failed are
// retryable up to cfg.MaxAttempts; completed and canceled never retry;
// failed with a permanent reason never retries.
func (p *Policy) Decide(outcome callstate.State, reasonCode string, attempt int, cfg Config) Decision {
	cfg = cfg.merge(p.base).withDefaults()

	switch outcome {
	case callstate.StateCompleted, callstate.StateCanceled:
		return Decision{Reason: ReasonNotRetryable}
	case callstate.StateFailed:
		if PermanentReason(reasonCode) {
			return Decision{Reason: ReasonPermanentError}
		}
	case callstate.StateBusy, callstate.StateNoAnswer:
		// retryable
	default:
		// Non-terminal outcomes should never reach here; treat as
		// unretryable rather than guessing.
		return Decision{Reason: ReasonNotRetryable}
	}

	if attempt >= cfg.MaxAttempts {
		return Decision{Reason: ReasonExhausted}
	}
	return Decision{
		Retry:  true,
		Delay:  p.backoff(attempt, cfg),
		Reason: ReasonRetryScheduled,
	}
}

// backoff computes min(base * 2^(n-1), ceiling) plus jitter in
// [0, Jitter*delay). Jitter only ever pushes delays later, which spreads
// re-dispatch after a burst of simultaneous failures.
func (p *Policy) backoff(attempt int, cfg Config) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < attempt && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	jitter := time.Duration(p.rand() * cfg.Jitter * float64(d))
	return d + jitter
}
