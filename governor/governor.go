// Package governor is the operational gate that runs after policy: it
// answers whether a fingerprint may run right now, based on load rather
// than policy content.
package governor

import (
	"time"

	"golang.org/x/time/rate"
)

type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionDeny  DecisionKind = "deny"
	DecisionDelay DecisionKind = "delay"
)

// Throttle reasons.
const (
	ReasonTokenExhausted = "TOKEN_EXHAUSTED"
	ReasonCircuitOpen    = "CIRCUIT_OPEN"
	ReasonMaxConcurrent  = "MAX_CONCURRENT"
)

// Decision is the governor verdict. RetryAfter is an advisory backoff hint,
// not a blocking wait.
type Decision struct {
	Decision   DecisionKind  `json:"decision"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (d Decision) Allowed() bool   { return d.Decision == DecisionAllow }
func (d Decision) Throttled() bool { return d.Decision != DecisionAllow }

type Config struct {
	// Enabled=false short-circuits every check to ALLOW.
	Enabled bool

	// Token bucket per fingerprint.
	RatePerMinute float64
	Burst         int

	// Circuit breaker per fingerprint.
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration

	// Global concurrent-execution cap.
	MaxConcurrent int

	// RetryAfter is the advisory hint attached to DELAY decisions.
	RetryAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RatePerMinute:    30,
		Burst:            10,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		MaxConcurrent:    4,
		RetryAfter:       5 * time.Second,
	}
}

// Governor holds the keyed counters and breaker state. All per-fingerprint
// state lives behind a StateStore so tests can substitute deterministic
// stores.
type Governor struct {
	cfg   Config
	store StateStore
	clock func() time.Time
}

type Option func(*Governor)

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Governor) { g.clock = clock }
}

// WithStateStore substitutes the keyed state store.
func WithStateStore(store StateStore) Option {
	return func(g *Governor) { g.store = store }
}

func New(cfg Config, opts ...Option) *Governor {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultConfig().RatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultConfig().RetryAfter
	}
	g := &Governor{cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}
	return g
}

// Admit decides whether the fingerprint may run right now. An ALLOW
// reserves one concurrency slot; the caller must pair it with Release.
func (g *Governor) Admit(fingerprint string) Decision {
	if g == nil || !g.cfg.Enabled {
		return Decision{Decision: DecisionAllow}
	}
	now := g.clock()

	var (
		out   Decision
		token *rate.Reservation
	)
	g.store.Update(fingerprint, func(ks *KeyState) {
		g.ensureKey(ks)

		// Breaker first: a broken fingerprint should not consume tokens.
		if remaining, open := g.circuitOpen(ks, now); open {
			out = Decision{Decision: DecisionDeny, Reason: ReasonCircuitOpen, RetryAfter: remaining}
			return
		}
		r := ks.limiter.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			if r.OK() {
				r.CancelAt(now)
			}
			out = Decision{Decision: DecisionDeny, Reason: ReasonTokenExhausted}
			return
		}
		token = r
		out = Decision{Decision: DecisionAllow}
	})
	if !out.Allowed() {
		return out
	}

	if !g.store.AcquireSlot(g.cfg.MaxConcurrent) {
		// The run never happens, so its token goes back; a DELAYed caller
		// should not pay twice when it retries.
		token.CancelAt(now)
		return Decision{Decision: DecisionDelay, Reason: ReasonMaxConcurrent, RetryAfter: g.cfg.RetryAfter}
	}
	return out
}

// Probe answers what Admit would decide right now without consuming a
// token, reserving a slot, or moving breaker state. Used by side-effect-free
// simulation.
func (g *Governor) Probe(fingerprint string) Decision {
	if g == nil || !g.cfg.Enabled {
		return Decision{Decision: DecisionAllow}
	}
	now := g.clock()

	var out Decision
	g.store.Update(fingerprint, func(ks *KeyState) {
		g.ensureKey(ks)

		if ks.breaker == breakerOpen {
			if remaining := g.cfg.Cooldown - now.Sub(ks.openedAt); remaining > 0 {
				out = Decision{Decision: DecisionDeny, Reason: ReasonCircuitOpen, RetryAfter: remaining}
				return
			}
		}
		if ks.limiter.TokensAt(now) < 1 {
			out = Decision{Decision: DecisionDeny, Reason: ReasonTokenExhausted}
			return
		}
		out = Decision{Decision: DecisionAllow}
	})
	if !out.Allowed() {
		return out
	}

	if !g.store.SlotAvailable(g.cfg.MaxConcurrent) {
		return Decision{Decision: DecisionDelay, Reason: ReasonMaxConcurrent, RetryAfter: g.cfg.RetryAfter}
	}
	return out
}

// Release frees the concurrency slot reserved by an allowed Admit.
func (g *Governor) Release(fingerprint string) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	g.store.ReleaseSlot()
}

// ReportFailure records a failed execution against the fingerprint's
// breaker.
func (g *Governor) ReportFailure(fingerprint string) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	now := g.clock()
	g.store.Update(fingerprint, func(ks *KeyState) {
		g.ensureKey(ks)
		if ks.breaker == breakerHalfOpen {
			ks.breaker = breakerOpen
			ks.openedAt = now
			ks.failures = nil
			return
		}
		ks.failures = append(pruneFailures(ks.failures, now.Add(-g.cfg.FailureWindow)), now)
		if len(ks.failures) >= g.cfg.FailureThreshold {
			ks.breaker = breakerOpen
			ks.openedAt = now
			ks.failures = nil
		}
	})
}

// ReportSuccess records a successful execution; in half-open state it
// closes the breaker.
func (g *Governor) ReportSuccess(fingerprint string) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	g.store.Update(fingerprint, func(ks *KeyState) {
		g.ensureKey(ks)
		ks.failures = nil
		if ks.breaker != breakerClosed {
			ks.breaker = breakerClosed
		}
	})
}

func (g *Governor) ensureKey(ks *KeyState) {
	if ks.limiter == nil {
		ks.limiter = rate.NewLimiter(rate.Limit(g.cfg.RatePerMinute/60.0), g.cfg.Burst)
	}
}

// circuitOpen reports whether the breaker blocks this admit. An expired
// cooldown moves the breaker to half-open and lets one trial through.
func (g *Governor) circuitOpen(ks *KeyState, now time.Time) (time.Duration, bool) {
	if ks.breaker != breakerOpen {
		return 0, false
	}
	elapsed := now.Sub(ks.openedAt)
	if elapsed < g.cfg.Cooldown {
		return g.cfg.Cooldown - elapsed, true
	}
	ks.breaker = breakerHalfOpen
	return 0, false
}

func pruneFailures(failures []time.Time, cutoff time.Time) []time.Time {
	out := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}
