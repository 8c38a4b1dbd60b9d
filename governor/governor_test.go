package governor

import (
	"testing"
	"time"
)

func testGovernor(cfg Config) (*Governor, *time.Time) {
	now := time.Unix(1700000000, 0)
	g := New(cfg, WithClock(func() time.Time { return now }))
	return g, &now
}

func TestDisabledAlwaysAllows(t *testing.T) {
	g, _ := testGovernor(Config{Enabled: false})
	for i := 0; i < 100; i++ {
		if d := g.Admit("fp_a"); !d.Allowed() {
			t.Fatalf("disabled governor denied: %+v", d)
		}
	}
}

func TestTokenExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 3
	cfg.RatePerMinute = 0.0001 // effectively no refill within the test
	g, _ := testGovernor(cfg)

	for i := 0; i < 3; i++ {
		d := g.Admit("fp_t")
		if !d.Allowed() {
			t.Fatalf("admit %d: %+v", i, d)
		}
		g.Release("fp_t")
	}
	d := g.Admit("fp_t")
	if d.Decision != DecisionDeny || d.Reason != ReasonTokenExhausted {
		t.Fatalf("exhausted bucket: %+v", d)
	}
}

func TestTokenBucketsAreKeyed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 1
	cfg.RatePerMinute = 0.0001
	g, _ := testGovernor(cfg)

	if d := g.Admit("fp_one"); !d.Allowed() {
		t.Fatalf("fp_one: %+v", d)
	}
	g.Release("fp_one")
	// fp_one is exhausted; fp_two has its own bucket.
	if d := g.Admit("fp_two"); !d.Allowed() {
		t.Fatalf("fp_two: %+v", d)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.Cooldown = 30 * time.Second
	g, now := testGovernor(cfg)

	for i := 0; i < 3; i++ {
		g.ReportFailure("fp_c")
	}
	d := g.Admit("fp_c")
	if d.Decision != DecisionDeny || d.Reason != ReasonCircuitOpen {
		t.Fatalf("open breaker: %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > cfg.Cooldown {
		t.Fatalf("retry_after = %v", d.RetryAfter)
	}

	// After cooldown the breaker half-opens and lets a trial through.
	*now = now.Add(31 * time.Second)
	d = g.Admit("fp_c")
	if !d.Allowed() {
		t.Fatalf("half-open trial: %+v", d)
	}
	g.Release("fp_c")
	g.ReportSuccess("fp_c")

	if d := g.Admit("fp_c"); !d.Allowed() {
		t.Fatalf("closed after success: %+v", d)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 10 * time.Second
	g, now := testGovernor(cfg)

	g.ReportFailure("fp_h")
	*now = now.Add(11 * time.Second)
	if d := g.Admit("fp_h"); !d.Allowed() {
		t.Fatalf("half-open trial: %+v", d)
	}
	g.Release("fp_h")
	g.ReportFailure("fp_h")

	d := g.Admit("fp_h")
	if d.Reason != ReasonCircuitOpen {
		t.Fatalf("reopened breaker: %+v", d)
	}
}

func TestConcurrencyCapDelays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.RetryAfter = 7 * time.Second
	g, _ := testGovernor(cfg)

	if d := g.Admit("fp_1"); !d.Allowed() {
		t.Fatalf("first: %+v", d)
	}
	if d := g.Admit("fp_2"); !d.Allowed() {
		t.Fatalf("second: %+v", d)
	}

	d := g.Admit("fp_3")
	if d.Decision != DecisionDelay || d.Reason != ReasonMaxConcurrent {
		t.Fatalf("over cap: %+v", d)
	}
	if d.RetryAfter != 7*time.Second {
		t.Fatalf("retry_after = %v, want configured hint", d.RetryAfter)
	}

	g.Release("fp_1")
	if d := g.Admit("fp_3"); !d.Allowed() {
		t.Fatalf("after release: %+v", d)
	}
}

func TestDelayedAdmitRefundsToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 2
	cfg.RatePerMinute = 0.0001
	cfg.MaxConcurrent = 1
	g, _ := testGovernor(cfg)

	if d := g.Admit("fp_r"); !d.Allowed() {
		t.Fatalf("first: %+v", d)
	}
	// The slot is taken; the DELAY must hand its token back.
	if d := g.Admit("fp_r"); d.Decision != DecisionDelay || d.Reason != ReasonMaxConcurrent {
		t.Fatalf("over cap: %+v", d)
	}

	g.Release("fp_r")
	// Without the refund the bucket would be empty here and the retry would
	// come back TOKEN_EXHAUSTED.
	if d := g.Admit("fp_r"); !d.Allowed() {
		t.Fatalf("retry after release: %+v", d)
	}

	// Both tokens are now genuinely spent.
	g.Release("fp_r")
	if d := g.Admit("fp_r"); d.Reason != ReasonTokenExhausted {
		t.Fatalf("exhausted bucket: %+v", d)
	}
}

func TestFailureWindowPrunesOldFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.FailureWindow = time.Minute
	g, now := testGovernor(cfg)

	g.ReportFailure("fp_w")
	g.ReportFailure("fp_w")
	*now = now.Add(2 * time.Minute)
	g.ReportFailure("fp_w")

	// Only one failure inside the window: breaker stays closed.
	if d := g.Admit("fp_w"); !d.Allowed() {
		t.Fatalf("breaker opened on stale failures: %+v", d)
	}
}

func TestProbeHasNoSideEffects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Burst = 1
	cfg.RatePerMinute = 0.0001
	cfg.MaxConcurrent = 1
	g, _ := testGovernor(cfg)

	// Repeated probes neither consume tokens nor reserve slots.
	for i := 0; i < 5; i++ {
		if d := g.Probe("fp_p"); !d.Allowed() {
			t.Fatalf("probe %d: %+v", i, d)
		}
	}
	if d := g.Admit("fp_p"); !d.Allowed() {
		t.Fatalf("admit after probes: %+v", d)
	}

	// Now the bucket is drained and the slot is held; probe reports both.
	if d := g.Probe("fp_p"); d.Decision != DecisionDeny || d.Reason != ReasonTokenExhausted {
		t.Fatalf("probe on drained bucket: %+v", d)
	}
	if d := g.Probe("fp_other"); d.Decision != DecisionDelay || d.Reason != ReasonMaxConcurrent {
		t.Fatalf("probe with full slots: %+v", d)
	}
}

func TestProbeSeesOpenCircuit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Cooldown = 30 * time.Second
	g, _ := testGovernor(cfg)

	g.ReportFailure("fp_c")
	g.ReportFailure("fp_c")

	d := g.Probe("fp_c")
	if d.Decision != DecisionDeny || d.Reason != ReasonCircuitOpen {
		t.Fatalf("probe on open circuit: %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 30*time.Second {
		t.Fatalf("retry_after = %v", d.RetryAfter)
	}
}
