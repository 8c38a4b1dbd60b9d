package confidence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quailyquaily/planwarden/policy"
)

// DecideAtFunc answers the composed gate decision (policy + governor) for
// one synthetic confidence value.
type DecideAtFunc func(confidence int) policy.DecisionKind

// SweepPoint is one evaluated variant.
type SweepPoint struct {
	Confidence int                 `json:"confidence"`
	Decision   policy.DecisionKind `json:"decision"`
}

// SweepViolation is an adjacent pair whose decision ordering decreased as
// confidence rose. This breaks a safety invariant and triggers fingerprint
// suspension.
type SweepViolation struct {
	AtConfidence int                 `json:"at_confidence"`
	From         policy.DecisionKind `json:"from"`
	To           policy.DecisionKind `json:"to"`
}

type SweepResult struct {
	Points     []SweepPoint     `json:"points"`
	Violations []SweepViolation `json:"violations,omitempty"`
}

func (r SweepResult) Monotonic() bool { return len(r.Violations) == 0 }

// Sweep evaluates each confidence value independently and checks that the
// decision sequence is monotonic non-decreasing in permissiveness
// (DENY <= REQUIRE_APPROVAL <= ALLOW). Confidence values are sorted and
// de-duplicated first.
func Sweep(decide DecideAtFunc, confidences []int) (SweepResult, error) {
	if decide == nil {
		return SweepResult{}, fmt.Errorf("nil decide func")
	}
	values := dedupeSorted(confidences)
	if len(values) == 0 {
		return SweepResult{}, fmt.Errorf("no confidence values")
	}

	var res SweepResult
	for _, c := range values {
		if c < 0 || c > 100 {
			return SweepResult{}, fmt.Errorf("confidence %d out of range [0,100]", c)
		}
		res.Points = append(res.Points, SweepPoint{Confidence: c, Decision: decide(c)})
	}

	for i := 1; i < len(res.Points); i++ {
		prev, cur := res.Points[i-1], res.Points[i]
		if cur.Decision.Rank() < prev.Decision.Rank() {
			res.Violations = append(res.Violations, SweepViolation{
				AtConfidence: cur.Confidence,
				From:         prev.Decision,
				To:           cur.Decision,
			})
		}
	}
	return res, nil
}

// Curve renders a textual confidence curve for terminal output.
func (r SweepResult) Curve() string {
	var b strings.Builder
	for _, p := range r.Points {
		marker := "?"
		switch p.Decision {
		case policy.DecisionDeny:
			marker = "x"
		case policy.DecisionRequireApproval:
			marker = "~"
		case policy.DecisionAllow:
			marker = "#"
		}
		bars := p.Confidence / 5
		fmt.Fprintf(&b, "%3d %s %s %s\n", p.Confidence, marker, strings.Repeat("|", bars), p.Decision)
	}
	return b.String()
}

func dedupeSorted(values []int) []int {
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	out := sorted[:0]
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
