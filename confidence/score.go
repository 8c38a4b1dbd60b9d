package confidence

import "fmt"

type Band string

const (
	BandLow    Band = "LOW"
	BandMedium Band = "MEDIUM"
	BandHigh   Band = "HIGH"
)

func (b Band) Rank() int {
	switch b {
	case BandLow:
		return 0
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	}
	return -1
}

type Action string

const (
	ActionBlock       Action = "BLOCK"
	ActionHumanReview Action = "HUMAN_REVIEW_REQUIRED"
	ActionPropose     Action = "PROPOSE_FOR_APPROVAL"
	ActionAutoRun     Action = "AUTO_RUN"
)

func (a Action) Rank() int {
	switch a {
	case ActionBlock:
		return 0
	case ActionHumanReview:
		return 1
	case ActionPropose:
		return 2
	case ActionAutoRun:
		return 3
	}
	return -1
}

// Reason is one itemized scoring signal. The reason list is the audit
// explanation for a score and must reproduce bit-for-bit from the same
// features.
type Reason struct {
	Code   string `json:"code"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Score is the scorer output.
type Score struct {
	Score   int      `json:"score"`
	Band    Band     `json:"band"`
	Action  Action   `json:"action"`
	Reasons []Reason `json:"reasons"`
}

// Reason codes. Stable; referenced by receipts and regression acks.
const (
	ReasonPolicyDeny           = "POLICY_DENY"
	ReasonUnresolvedCapability = "UNRESOLVED_CAPABILITY"
	ReasonInvalidDomain        = "INVALID_DOMAIN"
	ReasonAllReadOnly          = "ALL_STEPS_READ_ONLY"
	ReasonHasWrites            = "HAS_WRITE_STEPS"
	ReasonApprovalGatedWrite   = "APPROVAL_GATED_WRITE"
	ReasonPrestateRequired     = "PRESTATE_REQUIRED"
	ReasonDomainsParseable     = "DOMAINS_PARSEABLE"
	ReasonFewSteps             = "FEW_STEPS"
	ReasonTimeoutsWithinCap    = "TIMEOUTS_WITHIN_CAP"
	ReasonVersionsPinned       = "AGENT_VERSIONS_PINNED"
	ReasonCapabilitiesResolved = "CAPABILITIES_RESOLVED"
	ReasonPlannerRetry         = "PLANNER_RETRY"
	ReasonLenientParsing       = "LENIENT_PARSING"
)

const (
	baselineScore   = 50
	hardBlockWeight = -999
	fewStepsCutoff  = 5
)

// ComputeScore runs the additive model over a feature vector. Hard blocks
// short-circuit to 0/LOW/BLOCK with a single -999 reason.
func ComputeScore(f Features) Score {
	if f.PolicyDenied {
		detail := "policy denied the plan"
		if f.DenialCode != "" {
			detail = fmt.Sprintf("policy denied the plan (%s)", f.DenialCode)
		}
		return hardBlock(ReasonPolicyDeny, detail)
	}
	if f.UnresolvedCapability() {
		return hardBlock(ReasonUnresolvedCapability, "one or more required capabilities have no provider")
	}
	if f.InvalidDomain() {
		return hardBlock(ReasonInvalidDomain, "a step target could not be parsed")
	}

	score := baselineScore
	var reasons []Reason
	add := func(code string, weight int, detail string) {
		score += weight
		reasons = append(reasons, Reason{Code: code, Weight: weight, Detail: detail})
	}

	if f.WriteStepCount == 0 {
		add(ReasonAllReadOnly, 25, "every step is read-only")
	} else {
		add(ReasonHasWrites, -20, fmt.Sprintf("%d write step(s) present", f.WriteStepCount))
		if f.RequiresApproval {
			// Kept as an explicit pair that nets to zero so the audit trail
			// shows both the gate credit and the prestate obligation.
			add(ReasonApprovalGatedWrite, 10, "writes are gated behind approval")
			add(ReasonPrestateRequired, -10, "prestate capture required before writes")
		}
	}
	add(ReasonDomainsParseable, 10, "all step targets parsed")
	if f.StepCount <= fewStepsCutoff {
		add(ReasonFewSteps, 5, fmt.Sprintf("plan has %d step(s)", f.StepCount))
	}
	if f.TimeoutsWithinCap {
		add(ReasonTimeoutsWithinCap, 5, "all step timeouts within policy cap")
	}
	if f.VersionsPinned {
		add(ReasonVersionsPinned, 5, "agent versions pinned")
	}
	if len(f.Capabilities) > 0 && !f.UnresolvedCapability() {
		add(ReasonCapabilitiesResolved, 5, "all required capabilities resolved")
	}
	if f.PlannerRetried {
		add(ReasonPlannerRetry, -8, "planner retried before producing this plan")
	}
	if f.LenientParseUsed {
		add(ReasonLenientParsing, -6, "lenient parsing used while reading the plan")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	band := bandFor(score)
	return Score{
		Score:   score,
		Band:    band,
		Action:  actionFor(band, f),
		Reasons: reasons,
	}
}

func hardBlock(code, detail string) Score {
	return Score{
		Score:   0,
		Band:    BandLow,
		Action:  ActionBlock,
		Reasons: []Reason{{Code: code, Weight: hardBlockWeight, Detail: detail}},
	}
}

func bandFor(score int) Band {
	switch {
	case score >= 80:
		return BandHigh
	case score >= 55:
		return BandMedium
	}
	return BandLow
}

func actionFor(band Band, f Features) Action {
	// A policy approval requirement always wins over the score.
	if f.RequiresApproval {
		return ActionPropose
	}
	if band == BandHigh && f.WriteStepCount == 0 {
		return ActionAutoRun
	}
	if f.WriteStepCount > 0 && band != BandLow {
		return ActionPropose
	}
	return ActionHumanReview
}
