package gate

import (
	"context"
	"fmt"

	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/governor"
	"github.com/quailyquaily/planwarden/policy"
	"github.com/quailyquaily/planwarden/trust"
)

// SimulationResult is the side-effect-free "what would happen" answer,
// including the current governor posture for the fingerprint.
type SimulationResult struct {
	Fingerprint string            `json:"fingerprint"`
	Policy      policy.Simulation `json:"policy"`
	Governor    governor.Decision `json:"governor"`
}

// Simulate answers Evaluate's question without consuming tokens, reserving
// slots, writing approval records, or appending receipts.
func (g *Gate) Simulate(ctx context.Context, req Request) (SimulationResult, error) {
	if g == nil {
		return SimulationResult{}, fmt.Errorf("nil gate")
	}
	_ = ctx
	command := req.command()
	fp, err := trust.Fingerprint(command, g.engine.Config().PolicyVersion, req.Mode, req.Plan.RequiredCapabilities)
	if err != nil {
		return SimulationResult{}, err
	}

	out := SimulationResult{
		Fingerprint: fp,
		Governor:    governor.Decision{Decision: governor.DecisionAllow},
	}
	out.Policy = g.engine.Simulate(policy.Request{
		Plan:              req.Plan,
		Command:           command,
		Mode:              req.Mode,
		AsOf:              req.AsOf,
		ApprovalRequested: req.ApprovalRequested,
	})
	if g.gov != nil && out.Policy.Decision == policy.DecisionAllow {
		out.Governor = g.gov.Probe(fp)
	}
	return out, nil
}

// VariantsResult is the monotonicity answer for one request.
type VariantsResult struct {
	Fingerprint string                 `json:"fingerprint"`
	Sweep       confidence.SweepResult `json:"sweep"`
	Suspended   bool                   `json:"suspended"`
}

// SimulateVariants sweeps synthetic confidence values through the policy
// gates and checks the decision sequence never gets less permissive as
// confidence rises. Any inversion is treated like a confirmed regression:
// the fingerprint is suspended and the violation alerted.
func (g *Gate) SimulateVariants(ctx context.Context, req Request, confidences []int) (VariantsResult, error) {
	if g == nil {
		return VariantsResult{}, fmt.Errorf("nil gate")
	}
	command := req.command()
	fp, err := trust.Fingerprint(command, g.engine.Config().PolicyVersion, req.Mode, req.Plan.RequiredCapabilities)
	if err != nil {
		return VariantsResult{}, err
	}

	preq := policy.Request{
		Plan:              req.Plan,
		Command:           command,
		Mode:              req.Mode,
		AsOf:              req.AsOf,
		ApprovalRequested: req.ApprovalRequested,
	}

	// Governor posture is constant across the sweep; a throttle caps every
	// ALLOW at REQUIRE_APPROVAL rather than creating artificial inversions.
	throttled := false
	if g.gov != nil {
		throttled = g.gov.Probe(fp).Throttled()
	}
	decide := func(c int) policy.DecisionKind {
		d := g.engine.EvaluateAt(preq, c)
		if throttled && d.Decision == policy.DecisionAllow {
			return policy.DecisionRequireApproval
		}
		return d.Decision
	}

	sweep, err := confidence.Sweep(decide, confidences)
	if err != nil {
		return VariantsResult{}, err
	}

	out := VariantsResult{Fingerprint: fp, Sweep: sweep}
	if !sweep.Monotonic() {
		v := sweep.Violations[0]
		reason := fmt.Sprintf("sweep violation at confidence %d: %s -> %s", v.AtConfidence, v.From, v.To)
		if err := g.suspend(ctx, fp, "", reason); err != nil {
			return VariantsResult{}, err
		}
		out.Suspended = true
	}
	return out, nil
}
