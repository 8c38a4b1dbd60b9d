package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/quailyquaily/planwarden/approval"
	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/governor"
	"github.com/quailyquaily/planwarden/ledger"
	"github.com/quailyquaily/planwarden/plan"
	"github.com/quailyquaily/planwarden/policy"
	"github.com/quailyquaily/planwarden/trust"
)

type fixture struct {
	gate      *Gate
	receipts  *ledger.FileLedger
	baselines *trust.BaselineStore
	requal    *trust.Requalifier
	approvals *approval.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	receipts, err := ledger.NewFileLedger(filepath.Join(dir, "receipts.jsonl"))
	if err != nil {
		t.Fatalf("NewFileLedger: %v", err)
	}
	baselines, err := trust.NewBaselineStore(filepath.Join(dir, "baselines.db"))
	if err != nil {
		t.Fatalf("NewBaselineStore: %v", err)
	}
	requal, err := trust.NewRequalifier(filepath.Join(dir, "trust.db"), 3, logger)
	if err != nil {
		t.Fatalf("NewRequalifier: %v", err)
	}
	approvals, err := approval.NewStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = receipts.Close()
		_ = baselines.Close()
		_ = requal.Close()
		_ = approvals.Close()
	})

	engine := policy.NewEngine(policy.DefaultConfig(), policy.StaticResolver{
		"fs.read":  "local-fs",
		"fs.write": "local-fs",
	})
	gov := governor.New(governor.DefaultConfig())

	g, err := New(DefaultConfig(), engine, gov, baselines, requal, approvals, receipts,
		WithLogger(logger),
		WithSnapshotter(approval.FileSnapshotter{Root: t.TempDir()}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{gate: g, receipts: receipts, baselines: baselines, requal: requal, approvals: approvals}
}

func readOnlyPlan() plan.Plan {
	return plan.Plan{
		ID:      "plan-ro",
		Command: "inspect the cluster state",
		Steps: []plan.Step{
			{ID: "step-1", Action: "fs.list", ReadOnly: true, Timeout: time.Minute},
			{ID: "step-2", Action: "fs.stat", ReadOnly: true, Timeout: time.Minute},
		},
		RequiredCapabilities: []string{"fs.read"},
		AgentVersions:        map[string]string{"planner": "1.4.0"},
	}
}

func writePlan() plan.Plan {
	return plan.Plan{
		ID:      "plan-w",
		Command: "rotate the service credentials",
		Steps: []plan.Step{
			{ID: "step-1", Action: "fs.read", ReadOnly: true, Timeout: time.Minute},
			{ID: "step-2", Action: "fs.update", Timeout: time.Minute, IdempotencyKey: "svc-creds"},
		},
		RequiredCapabilities: []string{"fs.write"},
		AgentVersions:        map[string]string{"planner": "1.4.0"},
	}
}

func receiptKinds(t *testing.T, l *ledger.FileLedger) []string {
	t.Helper()
	receipts, err := l.Since(time.Time{})
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	kinds := make([]string, 0, len(receipts))
	for _, r := range receipts {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func TestEvaluateReadOnlyPlanAutoRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, Request{Plan: readOnlyPlan(), Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Policy.Decision != policy.DecisionAllow {
		t.Fatalf("policy = %+v, want allow", res.Policy)
	}
	if res.Score.Score != 100 || res.Score.Band != confidence.BandHigh {
		t.Fatalf("score = %d/%s, want 100/HIGH", res.Score.Score, res.Score.Band)
	}
	if res.EffectiveAction != confidence.ActionAutoRun {
		t.Fatalf("effective action = %s, want AUTO_RUN", res.EffectiveAction)
	}
	if !res.SlotHeld {
		t.Fatal("auto-run result should hold its governor slot")
	}

	// An auto-run holds its governor slot until the outcome is reported.
	if _, err := f.gate.RecordOutcome(ctx, trust.ExecutionOutcome{
		Fingerprint:      res.Fingerprint,
		ExecutionID:      res.ExecutionID,
		Status:           trust.OutcomeOK,
		Confidence:       res.Score.Score,
		GovernorDecision: string(res.Governor.Decision),
		SlotHeld:         res.SlotHeld,
	}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	kinds := receiptKinds(t, f.receipts)
	want := []string{ledger.KindPlanEvaluated, ledger.KindExecutionCompleted}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("receipt kinds = %v, want %v", kinds, want)
	}
}

func TestEvaluateGatedWriteCreatesApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, Request{Plan: writePlan(), Mode: policy.ModeApprovalGated})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Policy.RequiresApproval() {
		t.Fatalf("policy = %+v, want require_approval", res.Policy)
	}
	if res.EffectiveAction != confidence.ActionPropose {
		t.Fatalf("effective action = %s, want PROPOSE_FOR_APPROVAL", res.EffectiveAction)
	}
	if res.SlotHeld {
		t.Fatal("approval-gated evaluation must not hold a governor slot")
	}

	if res.Approval == nil {
		t.Fatal("no approval record created")
	}
	if res.Approval.Status != approval.StatusAwaiting {
		t.Fatalf("approval status = %s", res.Approval.Status)
	}
	// The plan has one write step and no approval-scoped ones, so the write
	// step becomes the pending set with one prestate entry.
	if len(res.Approval.PendingStepIDs) != 1 || res.Approval.PendingStepIDs[0] != "step-2" {
		t.Fatalf("pending steps = %v, want [step-2]", res.Approval.PendingStepIDs)
	}
	if len(res.Approval.Prestates) != 1 {
		t.Fatalf("prestates = %+v, want one entry", res.Approval.Prestates)
	}

	kinds := receiptKinds(t, f.receipts)
	want := []string{ledger.KindApprovalCreated, ledger.KindPlanEvaluated}
	if len(kinds) != 2 || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("receipt kinds = %v, want %v", kinds, want)
	}
}

func TestEvaluateUnresolvedCapabilityDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := readOnlyPlan()
	p.RequiredCapabilities = []string{"net.scan"}
	res, err := f.gate.Evaluate(ctx, Request{Plan: p, Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Policy.Denied() || res.Policy.DenialCode != policy.DenyUnresolvedCapability {
		t.Fatalf("policy = %+v, want UNRESOLVED_CAPABILITY deny", res.Policy)
	}
	if res.Score.Score != 0 || res.Score.Action != confidence.ActionBlock {
		t.Fatalf("score = %d/%s, want 0/BLOCK", res.Score.Score, res.Score.Action)
	}

	kinds := receiptKinds(t, f.receipts)
	if len(kinds) != 1 || kinds[0] != ledger.KindPolicyDenied {
		t.Fatalf("receipt kinds = %v, want [policy_denied]", kinds)
	}
}

func TestApproveRejectLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, Request{Plan: writePlan(), Mode: policy.ModeApprovalGated})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	st, err := f.gate.Approve(ctx, res.ExecutionID, "alex")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if st.Status != approval.StatusApproved {
		t.Fatalf("status = %s", st.Status)
	}

	var conflict *approval.ConflictError
	if _, err := f.gate.Reject(ctx, res.ExecutionID, "changed my mind", "alex"); !errors.As(err, &conflict) {
		t.Fatalf("Reject after approve = %v, want ConflictError", err)
	}

	rolled, err := f.gate.Rollback(ctx, res.ExecutionID, "alex")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !rolled.RolledBack {
		t.Fatalf("rollback marker missing: %+v", rolled)
	}

	kinds := receiptKinds(t, f.receipts)
	want := []string{
		ledger.KindApprovalCreated, ledger.KindPlanEvaluated,
		ledger.KindApprovalApproved, ledger.KindRollbackRecorded,
	}
	if len(kinds) != len(want) {
		t.Fatalf("receipt kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("receipt kinds = %v, want %v", kinds, want)
		}
	}
}

func TestRegressionSuspendsAndProbationLifts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro := readOnlyPlan()
	if _, err := f.gate.WriteBaseline(ctx, Request{Plan: ro, Mode: policy.ModeFull}, false); err != nil {
		t.Fatalf("WriteBaseline: %v", err)
	}

	// Same command, mode, and capability set keeps the fingerprint, but the
	// degraded plan drops the score and the action.
	degraded := plan.Plan{
		ID:      "plan-ro-degraded",
		Command: ro.Command,
		Steps: []plan.Step{
			{ID: "step-1", Action: "fs.list", ReadOnly: true, Timeout: time.Minute},
			{ID: "step-2", Action: "fs.update", Timeout: time.Minute},
		},
		RequiredCapabilities: ro.RequiredCapabilities,
		AgentVersions:        ro.AgentVersions,
	}

	res, err := f.gate.Evaluate(ctx, Request{Plan: degraded, Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Regression == nil || !res.Regression.Regressed {
		t.Fatalf("regression not detected: %+v", res.Regression)
	}
	if !res.Regression.RequiresAck {
		t.Fatalf("action downgrade should require ack: %+v", res.Regression)
	}
	if !res.Suspended {
		t.Fatal("fingerprint not suspended after confirmed regression")
	}

	st, err := f.requal.Status(ctx, res.Fingerprint)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Suspended {
		t.Fatal("suspension not persisted")
	}

	// Three consecutive clean executions complete probation.
	for i := 0; i < 3; i++ {
		st, err = f.gate.RecordOutcome(ctx, trust.ExecutionOutcome{
			Fingerprint:      res.Fingerprint,
			ExecutionID:      res.ExecutionID,
			Status:           trust.OutcomeOK,
			GovernorDecision: string(governor.DecisionAllow),
		})
		if err != nil {
			t.Fatalf("RecordOutcome %d: %v", i, err)
		}
	}
	if st.Suspended {
		t.Fatalf("probation did not lift suspension: %+v", st)
	}
}

func TestSuspendedFingerprintLosesAutoRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro := readOnlyPlan()
	res, err := f.gate.Score(ctx, Request{Plan: ro, Mode: policy.ModeFull}, false)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if err := f.requal.Suspend(ctx, res.Fingerprint, "manual"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	eval, err := f.gate.Evaluate(ctx, Request{Plan: ro, Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Score.Action != confidence.ActionAutoRun {
		t.Fatalf("raw action = %s, want AUTO_RUN", eval.Score.Action)
	}
	if eval.EffectiveAction != confidence.ActionPropose {
		t.Fatalf("effective action = %s, want PROPOSE_FOR_APPROVAL while suspended", eval.EffectiveAction)
	}
}

func TestScoreCompareReturnsTypedError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ro := readOnlyPlan()
	if _, err := f.gate.WriteBaseline(ctx, Request{Plan: ro, Mode: policy.ModeFull}, false); err != nil {
		t.Fatalf("WriteBaseline: %v", err)
	}

	degraded := ro
	degraded.Steps = append([]plan.Step(nil), ro.Steps...)
	degraded.Steps = append(degraded.Steps, plan.Step{ID: "step-3", Action: "fs.update", Timeout: time.Minute})

	res, err := f.gate.Score(ctx, Request{Plan: degraded, Mode: policy.ModeFull}, true)
	var unacked *RegressionUnacknowledgedError
	if !errors.As(err, &unacked) {
		t.Fatalf("Score = %v, want RegressionUnacknowledgedError", err)
	}
	if res.Regression == nil || !res.Regression.RequiresAck {
		t.Fatalf("result regression = %+v", res.Regression)
	}

	if err := f.gate.AcknowledgeRegression(ctx, res.Fingerprint, "alex", "intentional write added"); err != nil {
		t.Fatalf("AcknowledgeRegression: %v", err)
	}
	kinds := receiptKinds(t, f.receipts)
	if kinds[len(kinds)-1] != ledger.KindRegressionAck {
		t.Fatalf("last receipt = %s, want regression_acknowledged", kinds[len(kinds)-1])
	}
}

func TestSimulateLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sim, err := f.gate.Simulate(ctx, Request{Plan: writePlan(), Mode: policy.ModeApprovalGated})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !sim.Policy.ApprovalRequired {
		t.Fatalf("simulation = %+v, want approval required", sim.Policy)
	}

	if kinds := receiptKinds(t, f.receipts); len(kinds) != 0 {
		t.Fatalf("simulation appended receipts: %v", kinds)
	}
	pending, err := f.approvals.List(ctx, approval.StatusAwaiting)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("simulation created approval records: %+v", pending)
	}
}

func TestSimulateVariantsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.SimulateVariants(ctx, Request{Plan: readOnlyPlan(), Mode: policy.ModeFull},
		[]int{0, 20, 40, 55, 75, 90, 100})
	if err != nil {
		t.Fatalf("SimulateVariants: %v", err)
	}
	if !res.Sweep.Monotonic() {
		t.Fatalf("default gates produced inversions: %+v", res.Sweep.Violations)
	}
	if res.Suspended {
		t.Fatal("monotonic sweep suspended the fingerprint")
	}
	if res.Sweep.Points[0].Decision != policy.DecisionDeny {
		t.Fatalf("confidence 0 = %s, want deny", res.Sweep.Points[0].Decision)
	}
	if last := res.Sweep.Points[len(res.Sweep.Points)-1]; last.Decision != policy.DecisionAllow {
		t.Fatalf("confidence 100 = %s, want allow", last.Decision)
	}
}

func TestOutcomeWithoutSlotDoesNotReleaseAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gov := governor.New(governor.Config{
		Enabled:       true,
		RatePerMinute: 60,
		Burst:         10,
		MaxConcurrent: 1,
	})
	engine := policy.NewEngine(policy.DefaultConfig(), policy.StaticResolver{
		"fs.read":  "local-fs",
		"fs.write": "local-fs",
	})
	g, err := New(DefaultConfig(), engine, gov, f.baselines, f.requal, f.approvals, f.receipts,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSnapshotter(approval.FileSnapshotter{Root: t.TempDir()}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	running, err := g.Evaluate(ctx, Request{Plan: readOnlyPlan(), Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate running: %v", err)
	}
	if running.EffectiveAction != confidence.ActionAutoRun || !running.SlotHeld {
		t.Fatalf("running = action %s slot %v, want AUTO_RUN holding the slot", running.EffectiveAction, running.SlotHeld)
	}

	// An approval-gated evaluation never consults the governor, so reporting
	// its outcome must not free the slot the auto-run still occupies.
	gated, err := g.Evaluate(ctx, Request{Plan: writePlan(), Mode: policy.ModeApprovalGated})
	if err != nil {
		t.Fatalf("Evaluate gated: %v", err)
	}
	if gated.SlotHeld {
		t.Fatalf("gated evaluation holds a slot: %+v", gated)
	}
	if _, err := g.RecordOutcome(ctx, trust.ExecutionOutcome{
		Fingerprint: gated.Fingerprint,
		ExecutionID: gated.ExecutionID,
		Status:      trust.OutcomeOK,
		SlotHeld:    gated.SlotHeld,
	}); err != nil {
		t.Fatalf("RecordOutcome gated: %v", err)
	}

	other := readOnlyPlan()
	other.Command = "inspect the audit trail"
	blocked, err := g.Evaluate(ctx, Request{Plan: other, Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate blocked: %v", err)
	}
	if blocked.Governor.Decision != governor.DecisionDelay || blocked.Governor.Reason != governor.ReasonMaxConcurrent {
		t.Fatalf("governor = %+v, want DELAY MAX_CONCURRENT while the slot is still held", blocked.Governor)
	}

	// Reporting the auto-run's outcome frees the slot for real.
	if _, err := g.RecordOutcome(ctx, trust.ExecutionOutcome{
		Fingerprint: running.Fingerprint,
		ExecutionID: running.ExecutionID,
		Status:      trust.OutcomeOK,
		SlotHeld:    running.SlotHeld,
	}); err != nil {
		t.Fatalf("RecordOutcome running: %v", err)
	}
	after, err := g.Evaluate(ctx, Request{Plan: other, Mode: policy.ModeFull})
	if err != nil {
		t.Fatalf("Evaluate after release: %v", err)
	}
	if after.Governor.Throttled() {
		t.Fatalf("governor = %+v, want allow after the slot was released", after.Governor)
	}
}

func TestGovernorThrottleLeavesReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gov := governor.New(governor.Config{
		Enabled:       true,
		RatePerMinute: 0.001,
		Burst:         1,
		MaxConcurrent: 4,
	})
	g, err := New(DefaultConfig(), policy.NewEngine(policy.DefaultConfig(), policy.StaticResolver{"fs.read": "local-fs"}),
		gov, f.baselines, f.requal, f.approvals, f.receipts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := Request{Plan: readOnlyPlan(), Mode: policy.ModeFull}
	first, err := g.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if first.Governor.Throttled() {
		t.Fatalf("first admit throttled: %+v", first.Governor)
	}

	second, err := g.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !second.Governor.Throttled() || second.Governor.Reason != governor.ReasonTokenExhausted {
		t.Fatalf("second admit = %+v, want TOKEN_EXHAUSTED", second.Governor)
	}

	kinds := receiptKinds(t, f.receipts)
	if kinds[len(kinds)-1] != ledger.KindGovernorThrottled {
		t.Fatalf("last receipt = %s, want governor_throttled", kinds[len(kinds)-1])
	}
}
