package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/quailyquaily/planwarden/plan"
)

func testEngine() *Engine {
	cfg := DefaultConfig()
	cfg.MaxSteps = 5
	cfg.StepTimeoutCap = time.Minute
	return NewEngine(cfg, StaticResolver{
		"contacts": "builtin.contacts",
		"sheets":   "adapter.sheets",
	})
}

func readPlan(n int) plan.Plan {
	p := plan.Plan{Command: "list things"}
	for i := 0; i < n; i++ {
		p.Steps = append(p.Steps, plan.Step{
			ID:       string(rune('a' + i)),
			Action:   "contacts.read",
			ReadOnly: true,
		})
	}
	return p
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    AutonomyMode
		wantErr bool
	}{
		{"read_only", ModeReadOnly, false},
		{"READONLY", ModeReadOnly, false},
		{"ro", ModeReadOnly, false},
		{"approval-gated", ModeApprovalGated, false},
		{"APPROVAL_GATED_AUTONOMY", ModeApprovalGated, false},
		{"", ModeApprovalGated, false},
		{"full", ModeFull, false},
		{"auto", ModeFull, false},
		{"yolo", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMode(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Fatalf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEvaluateBudgetCaps(t *testing.T) {
	e := testEngine()

	d := e.Evaluate(Request{Plan: readPlan(6), Mode: ModeFull})
	if !d.Denied() || d.DenialCode != DenyMaxSteps {
		t.Fatalf("oversized plan: %+v", d)
	}

	p := readPlan(1)
	p.Steps[0].Timeout = 2 * time.Minute
	d = e.Evaluate(Request{Plan: p, Mode: ModeFull})
	if !d.Denied() || d.DenialCode != DenyStepTimeout {
		t.Fatalf("timeout cap: %+v", d)
	}
}

func TestEvaluateAutonomyRestrictions(t *testing.T) {
	write := plan.Plan{Steps: []plan.Step{{ID: "w1", Action: "contacts.upsert"}}}

	cases := []struct {
		name string
		mode AutonomyMode
		want DecisionKind
		code string
	}{
		{"read_only_denies_writes", ModeReadOnly, DecisionDeny, DenyWriteInReadOnly},
		{"gated_requires_approval", ModeApprovalGated, DecisionRequireApproval, ""},
		{"full_allows_writes", ModeFull, DecisionAllow, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := testEngine().Evaluate(Request{Plan: write, Mode: tc.mode})
			if d.Decision != tc.want {
				t.Fatalf("decision = %q, want %q", d.Decision, tc.want)
			}
			if d.DenialCode != tc.code {
				t.Fatalf("denial code = %q, want %q", d.DenialCode, tc.code)
			}
		})
	}
}

func TestEvaluateUnresolvedCapabilityDenies(t *testing.T) {
	p := readPlan(1)
	p.RequiredCapabilities = []string{"contacts", "quantum_mail"}
	d := testEngine().Evaluate(Request{Plan: p, Mode: ModeFull})
	if !d.Denied() || d.DenialCode != DenyUnresolvedCapability {
		t.Fatalf("unresolved capability: %+v", d)
	}
	if len(d.Reasons) != 1 {
		t.Fatalf("reasons = %v, want one missing provider", d.Reasons)
	}
}

func TestEvaluateApprovalRequestedFlag(t *testing.T) {
	d := testEngine().Evaluate(Request{Plan: readPlan(1), Mode: ModeFull, ApprovalRequested: true})
	if !d.RequiresApproval() {
		t.Fatalf("approval requested: %+v", d)
	}
}

func TestEvaluateDeterminism(t *testing.T) {
	p := readPlan(3)
	p.RequiredCapabilities = []string{"sheets", "contacts"}
	req := Request{Plan: p, Command: "weekly digest", Mode: ModeApprovalGated, AsOf: time.Unix(1700000000, 0)}

	e := testEngine()
	first, _ := json.Marshal(e.Evaluate(req))
	for i := 0; i < 10; i++ {
		again, _ := json.Marshal(e.Evaluate(req))
		if string(again) != string(first) {
			t.Fatalf("evaluation not deterministic: %s vs %s", first, again)
		}
	}
}

func TestEvaluateAtConfidenceGates(t *testing.T) {
	e := testEngine()
	req := Request{Plan: readPlan(2), Mode: ModeFull}

	prev := -1
	for _, c := range []int{0, 25, 39, 40, 60, 74, 75, 90, 100} {
		d := e.EvaluateAt(req, c)
		if r := d.Decision.Rank(); r < prev {
			t.Fatalf("decision rank decreased at confidence %d: %+v", c, d)
		} else {
			prev = r
		}
	}
	if d := e.EvaluateAt(req, 10); d.DenialCode != DenyLowConfidence {
		t.Fatalf("low confidence: %+v", d)
	}
	if d := e.EvaluateAt(req, 100); d.Decision != DecisionAllow {
		t.Fatalf("high confidence: %+v", d)
	}
}

func TestSimulateMatchesEvaluate(t *testing.T) {
	e := testEngine()
	p := plan.Plan{Steps: []plan.Step{{ID: "w1", Action: "contacts.upsert"}}}
	req := Request{Plan: p, Mode: ModeApprovalGated}

	sim := e.Simulate(req)
	if sim.Decision != DecisionRequireApproval || !sim.ApprovalRequired || sim.StepCount != 1 {
		t.Fatalf("simulation = %+v", sim)
	}
}
