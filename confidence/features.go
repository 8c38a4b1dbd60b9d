// Package confidence turns a plan and its policy decision into an
// explainable 0-100 trust score, and detects regressions against history.
package confidence

import (
	"sort"
	"time"

	"github.com/quailyquaily/planwarden/plan"
	"github.com/quailyquaily/planwarden/policy"
)

// CapabilityStatus records whether one required capability has a provider.
type CapabilityStatus struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Env carries observed planner behaviour that is not derivable from the
// plan itself.
type Env struct {
	PlannerRetried   bool
	LenientParseUsed bool
}

// Features is the fixed, read-only feature vector the scorer consumes.
type Features struct {
	StepCount         int                `json:"step_count"`
	WriteStepCount    int                `json:"write_step_count"`
	Domains           []string           `json:"domains"`
	Capabilities      []CapabilityStatus `json:"capabilities,omitempty"`
	TimeoutsWithinCap bool               `json:"timeouts_within_cap"`
	VersionsPinned    bool               `json:"versions_pinned"`
	RequiresApproval  bool               `json:"requires_approval"`
	PolicyDenied      bool               `json:"policy_denied"`
	DenialCode        string             `json:"denial_code,omitempty"`
	PlannerRetried    bool               `json:"planner_retried,omitempty"`
	LenientParseUsed  bool               `json:"lenient_parse_used,omitempty"`
}

// InvalidDomain reports whether any step target failed to parse.
func (f Features) InvalidDomain() bool {
	return len(f.Domains) == 1 && f.Domains[0] == plan.DomainInvalid
}

// UnresolvedCapability reports whether any required capability lacks a
// provider.
func (f Features) UnresolvedCapability() bool {
	for _, c := range f.Capabilities {
		if !c.Resolved {
			return true
		}
	}
	return false
}

// Extract derives the feature vector. Pure: identical inputs always produce
// an identical vector, including ordering of capability entries.
func Extract(p plan.Plan, d policy.Decision, res policy.Resolution, timeoutCap time.Duration, env Env) Features {
	f := Features{
		StepCount:         len(p.Steps),
		WriteStepCount:    len(p.WriteSteps()),
		Domains:           p.Domains(),
		TimeoutsWithinCap: timeoutsWithinCap(p, timeoutCap),
		VersionsPinned:    versionsPinned(p),
		RequiresApproval:  d.RequiresApproval(),
		PolicyDenied:      d.Denied(),
		DenialCode:        d.DenialCode,
		PlannerRetried:    env.PlannerRetried,
		LenientParseUsed:  env.LenientParseUsed,
	}

	names := append([]string(nil), p.RequiredCapabilities...)
	sort.Strings(names)
	for _, name := range names {
		provider, ok := res.Providers[name]
		f.Capabilities = append(f.Capabilities, CapabilityStatus{
			Name:     name,
			Provider: provider,
			Resolved: ok,
		})
	}
	return f
}

func timeoutsWithinCap(p plan.Plan, cap time.Duration) bool {
	if cap <= 0 {
		return true
	}
	for _, s := range p.Steps {
		if s.Timeout > cap {
			return false
		}
	}
	return true
}

func versionsPinned(p plan.Plan) bool {
	if len(p.AgentVersions) == 0 {
		return false
	}
	for _, v := range p.AgentVersions {
		if v == "" {
			return false
		}
	}
	return true
}
