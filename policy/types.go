package policy

import (
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/planwarden/plan"
)

type DecisionKind string

const (
	DecisionAllow           DecisionKind = "allow"
	DecisionDeny            DecisionKind = "deny"
	DecisionRequireApproval DecisionKind = "require_approval"
)

// Stable denial codes. These end up in receipts and exit paths, so they are
// part of the public contract.
const (
	DenyMaxSteps             = "MAX_STEPS_EXCEEDED"
	DenyStepTimeout          = "STEP_TIMEOUT_EXCEEDED"
	DenyWriteInReadOnly      = "WRITE_IN_READ_ONLY_MODE"
	DenyUnresolvedCapability = "UNRESOLVED_CAPABILITY"
	// DenyLowConfidence is only produced by variant simulation.
	DenyLowConfidence = "CONFIDENCE_BELOW_FLOOR"
)

// Decision is the outcome of one policy evaluation. Produced fresh per
// evaluation and never mutated.
type Decision struct {
	Decision   DecisionKind `json:"decision"`
	DenialCode string       `json:"denial_code,omitempty"`
	Reasons    []string     `json:"reasons,omitempty"`
}

func (d Decision) Denied() bool           { return d.Decision == DecisionDeny }
func (d Decision) RequiresApproval() bool { return d.Decision == DecisionRequireApproval }

// Rank orders decisions by permissiveness: DENY < REQUIRE_APPROVAL < ALLOW.
// The confidence sweep relies on this ordering.
func (d DecisionKind) Rank() int {
	switch d {
	case DecisionDeny:
		return 0
	case DecisionRequireApproval:
		return 1
	case DecisionAllow:
		return 2
	}
	return -1
}

// Request carries everything one evaluation needs. AsOf pins the evaluation
// time so repeated runs are byte-identical.
type Request struct {
	Plan              plan.Plan
	Command           string
	Mode              AutonomyMode
	AsOf              time.Time
	ApprovalRequested bool
}

// CapabilityResolver answers whether a required capability has a registered
// provider. The capability registry itself is an external collaborator.
type CapabilityResolver interface {
	Resolve(capability string) (provider string, ok bool)
}

// Resolution is the outcome of resolving a plan's required capabilities.
type Resolution struct {
	Providers map[string]string
	Missing   []string
}

func (r Resolution) AllResolved() bool { return len(r.Missing) == 0 }

// ResolveAll resolves every required capability of a plan through r.
func ResolveAll(r CapabilityResolver, p plan.Plan) Resolution {
	out := Resolution{Providers: make(map[string]string, len(p.RequiredCapabilities))}
	for _, c := range p.RequiredCapabilities {
		if r == nil {
			out.Missing = append(out.Missing, c)
			continue
		}
		provider, ok := r.Resolve(c)
		if !ok {
			out.Missing = append(out.Missing, c)
			continue
		}
		out.Providers[c] = provider
	}
	sort.Strings(out.Missing)
	return out
}

// StaticResolver is a map-backed resolver for tests and CLI wiring.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(capability string) (string, bool) {
	p, ok := s[strings.TrimSpace(capability)]
	return p, ok
}
