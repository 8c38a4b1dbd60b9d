package plan

import (
	"sort"
	"strings"
	"time"
)

// DomainInvalid is the reserved domain reported for a step whose action
// identifier cannot be parsed.
const DomainInvalid = "invalid"

// Step is one unit of work inside a plan. Action identifiers follow the
// "domain.operation" form; Adapter names the provider expected to execute
// the step.
type Step struct {
	ID             string        `yaml:"id" json:"id"`
	Action         string        `yaml:"action" json:"action"`
	Adapter        string        `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	ReadOnly       bool          `yaml:"read_only" json:"read_only"`
	ApprovalScoped bool          `yaml:"approval_scoped,omitempty" json:"approval_scoped,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	IdempotencyKey string        `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
}

// Domain returns the domain part of the action identifier, or DomainInvalid
// when the identifier does not parse.
func (s Step) Domain() string {
	action := strings.TrimSpace(s.Action)
	i := strings.Index(action, ".")
	if i <= 0 || i == len(action)-1 {
		return DomainInvalid
	}
	return strings.ToLower(action[:i])
}

// Plan is an immutable description of a proposed multi-step action. It is
// owned by the caller that requested a decision and never mutated by the
// governance core.
type Plan struct {
	ID                   string            `yaml:"id,omitempty" json:"id,omitempty"`
	Command              string            `yaml:"command,omitempty" json:"command,omitempty"`
	Steps                []Step            `yaml:"steps" json:"steps"`
	RequiredCapabilities []string          `yaml:"required_capabilities,omitempty" json:"required_capabilities,omitempty"`
	AgentVersions        map[string]string `yaml:"agent_versions,omitempty" json:"agent_versions,omitempty"`
	Assumptions          []string          `yaml:"assumptions,omitempty" json:"assumptions,omitempty"`
}

// WriteSteps returns the steps that are not read-only.
func (p Plan) WriteSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if !s.ReadOnly {
			out = append(out, s)
		}
	}
	return out
}

// ApprovalScopedSteps returns the steps explicitly scoped for approval.
func (p Plan) ApprovalScopedSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.ApprovalScoped {
			out = append(out, s)
		}
	}
	return out
}

// Domains returns the sorted, de-duplicated set of domains touched by the
// plan. A single unparseable step collapses the whole set to
// [DomainInvalid].
func (p Plan) Domains() []string {
	seen := make(map[string]bool, len(p.Steps))
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		d := s.Domain()
		if d == DomainInvalid {
			return []string{DomainInvalid}
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
