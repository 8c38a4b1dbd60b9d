// Package policy implements the deterministic decision engine that answers
// whether a proposed plan may run under the current autonomy mode.
package policy

import (
	"fmt"
	"time"
)

type Config struct {
	// PolicyVersion identifies the active rule set. It participates in
	// fingerprinting, so bumping it invalidates baselines on purpose.
	PolicyVersion string

	// MaxSteps caps plan size; StepTimeoutCap caps any single step timeout.
	MaxSteps       int
	StepTimeoutCap time.Duration

	// Confidence gates used by variant simulation: a synthetic confidence
	// below DenyBelow denies, below ApproveBelow requires approval.
	DenyBelow    int
	ApproveBelow int
}

func DefaultConfig() Config {
	return Config{
		PolicyVersion:  "v1",
		MaxSteps:       20,
		StepTimeoutCap: 5 * time.Minute,
		DenyBelow:      40,
		ApproveBelow:   75,
	}
}

// Engine evaluates plans. It holds only read-only configuration, so a single
// engine may serve concurrent evaluations.
type Engine struct {
	cfg      Config
	resolver CapabilityResolver
}

func NewEngine(cfg Config, resolver CapabilityResolver) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.StepTimeoutCap <= 0 {
		cfg.StepTimeoutCap = DefaultConfig().StepTimeoutCap
	}
	if cfg.DenyBelow <= 0 {
		cfg.DenyBelow = DefaultConfig().DenyBelow
	}
	if cfg.ApproveBelow <= cfg.DenyBelow {
		cfg.ApproveBelow = DefaultConfig().ApproveBelow
	}
	return &Engine{cfg: cfg, resolver: resolver}
}

func (e *Engine) Config() Config { return e.cfg }

// Resolve runs capability resolution for a plan through the configured
// resolver.
func (e *Engine) Resolve(req Request) Resolution {
	return ResolveAll(e.resolver, req.Plan)
}

// Evaluate applies the rule set in fixed priority: structural budget caps,
// then autonomy-mode restrictions, then unresolved capabilities. Pure and
// deterministic: the same request always yields the same decision.
func (e *Engine) Evaluate(req Request) Decision {
	p := req.Plan

	if len(p.Steps) > e.cfg.MaxSteps {
		return Decision{
			Decision:   DecisionDeny,
			DenialCode: DenyMaxSteps,
			Reasons:    []string{fmt.Sprintf("plan has %d steps, cap is %d", len(p.Steps), e.cfg.MaxSteps)},
		}
	}
	for _, s := range p.Steps {
		if s.Timeout > e.cfg.StepTimeoutCap {
			return Decision{
				Decision:   DecisionDeny,
				DenialCode: DenyStepTimeout,
				Reasons:    []string{fmt.Sprintf("step %s timeout %s exceeds cap %s", s.ID, s.Timeout, e.cfg.StepTimeoutCap)},
			}
		}
	}

	writes := p.WriteSteps()
	if len(writes) > 0 && req.Mode == ModeReadOnly {
		return Decision{
			Decision:   DecisionDeny,
			DenialCode: DenyWriteInReadOnly,
			Reasons:    []string{fmt.Sprintf("%d write step(s) under read-only autonomy", len(writes))},
		}
	}

	res := e.Resolve(req)
	if !res.AllResolved() {
		return Decision{
			Decision:   DecisionDeny,
			DenialCode: DenyUnresolvedCapability,
			Reasons:    missingReasons(res.Missing),
		}
	}

	if len(writes) > 0 && req.Mode == ModeApprovalGated {
		return Decision{
			Decision: DecisionRequireApproval,
			Reasons:  []string{fmt.Sprintf("%d write step(s) gated for approval", len(writes))},
		}
	}
	if req.ApprovalRequested {
		return Decision{
			Decision: DecisionRequireApproval,
			Reasons:  []string{"approval requested by caller"},
		}
	}

	return Decision{Decision: DecisionAllow}
}

// EvaluateAt layers the synthetic confidence gates over Evaluate. Used by
// the confidence sweep; a real evaluation never passes through here.
func (e *Engine) EvaluateAt(req Request, confidence int) Decision {
	base := e.Evaluate(req)
	if base.Denied() {
		return base
	}
	if confidence < e.cfg.DenyBelow {
		return Decision{
			Decision:   DecisionDeny,
			DenialCode: DenyLowConfidence,
			Reasons:    []string{fmt.Sprintf("confidence %d below deny gate %d", confidence, e.cfg.DenyBelow)},
		}
	}
	if confidence < e.cfg.ApproveBelow || base.RequiresApproval() {
		reasons := base.Reasons
		if confidence < e.cfg.ApproveBelow {
			reasons = []string{fmt.Sprintf("confidence %d below approval gate %d", confidence, e.cfg.ApproveBelow)}
		}
		return Decision{Decision: DecisionRequireApproval, Reasons: reasons}
	}
	return Decision{Decision: DecisionAllow}
}

// Simulation is the side-effect-free "what would happen" answer for one
// request. The governor outcome is composed in by the gate layer.
type Simulation struct {
	Decision         DecisionKind `json:"decision"`
	DenialCode       string       `json:"denial_code,omitempty"`
	ApprovalRequired bool         `json:"approval_required"`
	StepCount        int          `json:"step_count"`
	Notes            []string     `json:"notes,omitempty"`
}

// Simulate performs the identical evaluation as Evaluate with no execution
// side effects.
func (e *Engine) Simulate(req Request) Simulation {
	d := e.Evaluate(req)
	return Simulation{
		Decision:         d.Decision,
		DenialCode:       d.DenialCode,
		ApprovalRequired: d.RequiresApproval(),
		StepCount:        len(req.Plan.Steps),
		Notes:            d.Reasons,
	}
}

func missingReasons(missing []string) []string {
	out := make([]string, 0, len(missing))
	for _, m := range missing {
		out = append(out, fmt.Sprintf("no provider registered for capability %q", m))
	}
	return out
}
