// Package gate composes the governance pipeline: policy decision, governor
// admission, confidence scoring, baseline comparison, requalification,
// approvals, and receipts. Library packages stay independent; this is the
// only place they meet.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/quailyquaily/planwarden/approval"
	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/governor"
	"github.com/quailyquaily/planwarden/ledger"
	"github.com/quailyquaily/planwarden/plan"
	"github.com/quailyquaily/planwarden/policy"
	"github.com/quailyquaily/planwarden/trust"
)

// Config holds the gate-level knobs that do not belong to any one
// component.
type Config struct {
	// Tolerance is the allowed confidence drop, in points, before a score
	// comparison counts as a regression.
	Tolerance int
}

func DefaultConfig() Config {
	return Config{Tolerance: 10}
}

// Gate is the composition root. All fields are wired once at construction;
// evaluation itself keeps no mutable state.
type Gate struct {
	cfg         Config
	engine      *policy.Engine
	gov         *governor.Governor
	baselines   *trust.BaselineStore
	requal      *trust.Requalifier
	approvals   *approval.Store
	receipts    *ledger.FileLedger
	snapshotter approval.Snapshotter
	alerts      AlertSink
	logger      *slog.Logger
	clock       func() time.Time
}

type Option func(*Gate)

func WithAlertSink(sink AlertSink) Option {
	return func(g *Gate) { g.alerts = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithSnapshotter(snap approval.Snapshotter) Option {
	return func(g *Gate) { g.snapshotter = snap }
}

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func New(cfg Config, engine *policy.Engine, gov *governor.Governor, baselines *trust.BaselineStore,
	requal *trust.Requalifier, approvals *approval.Store, receipts *ledger.FileLedger, opts ...Option) (*Gate, error) {
	if engine == nil {
		return nil, fmt.Errorf("nil policy engine")
	}
	if receipts == nil {
		return nil, fmt.Errorf("nil receipt ledger")
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	g := &Gate{
		cfg:       cfg,
		engine:    engine,
		gov:       gov,
		baselines: baselines,
		requal:    requal,
		approvals: approvals,
		receipts:  receipts,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.alerts == nil {
		g.alerts = NewLogAlertSink(g.logger)
	}
	return g, nil
}

// Request is one governance question: may this plan run, for this command,
// under this mode, right now.
type Request struct {
	Plan              plan.Plan
	Command           string
	Mode              policy.AutonomyMode
	AsOf              time.Time
	ApprovalRequested bool
	ExecutionID       string
	Env               confidence.Env
}

func (r Request) command() string {
	if c := strings.TrimSpace(r.Command); c != "" {
		return c
	}
	return strings.TrimSpace(r.Plan.Command)
}

// Result is the full pipeline answer. EffectiveAction is the score action
// after suspension is applied; a suspended fingerprint never gets AUTO_RUN.
// SlotHeld reports whether this evaluation still holds a governor
// concurrency slot; the caller must echo it back in ExecutionOutcome.
type Result struct {
	ExecutionID     string                 `json:"execution_id"`
	Fingerprint     string                 `json:"fingerprint"`
	Policy          policy.Decision        `json:"policy"`
	Governor        governor.Decision      `json:"governor"`
	Score           confidence.Score       `json:"score"`
	EffectiveAction confidence.Action      `json:"effective_action"`
	SlotHeld        bool                   `json:"slot_held,omitempty"`
	Suspended       bool                   `json:"suspended,omitempty"`
	Regression      *confidence.Regression `json:"regression,omitempty"`
	Approval        *approval.State        `json:"approval,omitempty"`
}

// Evaluate runs the full pipeline. Every decision, including denials and
// throttles, leaves a receipt. A policy ALLOW that survives scoring holds a
// governor concurrency slot; the caller must report the execution outcome
// through RecordOutcome, which releases it.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Result, error) {
	if g == nil {
		return Result{}, fmt.Errorf("nil gate")
	}
	command := req.command()
	fp, err := trust.Fingerprint(command, g.engine.Config().PolicyVersion, req.Mode, req.Plan.RequiredCapabilities)
	if err != nil {
		return Result{}, err
	}

	out := Result{
		ExecutionID: strings.TrimSpace(req.ExecutionID),
		Fingerprint: fp,
		Governor:    governor.Decision{Decision: governor.DecisionAllow},
	}
	if out.ExecutionID == "" {
		out.ExecutionID = "exe_" + uuid.NewString()
	}

	preq := policy.Request{
		Plan:              req.Plan,
		Command:           command,
		Mode:              req.Mode,
		AsOf:              req.AsOf,
		ApprovalRequested: req.ApprovalRequested,
	}
	out.Policy = g.engine.Evaluate(preq)
	resolution := g.engine.Resolve(preq)

	features := confidence.Extract(req.Plan, out.Policy, resolution, g.engine.Config().StepTimeoutCap, req.Env)
	out.Score = confidence.ComputeScore(features)
	out.EffectiveAction = out.Score.Action

	if out.Policy.Denied() {
		g.append(ctx, ledger.KindPolicyDenied, out.ExecutionID, ledger.DecisionPayload{
			Fingerprint: fp,
			Command:     command,
			Decision:    string(out.Policy.Decision),
			DenialCode:  out.Policy.DenialCode,
			Reasons:     out.Policy.Reasons,
			Score:       out.Score.Score,
			Band:        string(out.Score.Band),
			Action:      string(out.Score.Action),
		})
		return out, nil
	}

	// Governor runs strictly after policy: load limits never override a
	// policy denial, and a throttled request consumes no approval record.
	// slotHeld tracks whether Admit actually reserved a concurrency slot;
	// the default ALLOW on non-admitted paths never did.
	slotHeld := false
	if g.gov != nil && !out.Policy.RequiresApproval() {
		out.Governor = g.gov.Admit(fp)
		if out.Governor.Throttled() {
			g.append(ctx, ledger.KindGovernorThrottled, out.ExecutionID, map[string]any{
				"fingerprint": fp,
				"decision":    string(out.Governor.Decision),
				"reason":      out.Governor.Reason,
				"retry_after": out.Governor.RetryAfter.String(),
			})
			return out, nil
		}
		slotHeld = true
	}

	if err := g.applyTrust(ctx, fp, &out); err != nil {
		if slotHeld {
			g.gov.Release(fp)
		}
		return Result{}, err
	}

	if out.Policy.RequiresApproval() {
		if err := g.createApproval(ctx, fp, req, &out); err != nil {
			return Result{}, err
		}
	}

	// Only an AUTO_RUN outcome keeps its slot until RecordOutcome; anything
	// downgraded along the way gives it back here.
	if slotHeld && out.EffectiveAction != confidence.ActionAutoRun {
		g.gov.Release(fp)
		slotHeld = false
	}
	out.SlotHeld = slotHeld

	g.append(ctx, ledger.KindPlanEvaluated, out.ExecutionID, ledger.DecisionPayload{
		Fingerprint: fp,
		Command:     command,
		Decision:    string(out.Policy.Decision),
		Reasons:     out.Policy.Reasons,
		Score:       out.Score.Score,
		Band:        string(out.Score.Band),
		Action:      string(out.EffectiveAction),
	})
	return out, nil
}

// applyTrust layers baseline comparison and suspension over the fresh
// score. A confirmed regression suspends the fingerprint; a suspended
// fingerprint loses AUTO_RUN until probation completes.
func (g *Gate) applyTrust(ctx context.Context, fp string, out *Result) error {
	if g.baselines != nil {
		base, ok, err := g.baselines.Latest(ctx, fp)
		if err != nil {
			return err
		}
		if ok {
			r := confidence.Compare(base.Summary(), out.Score.Summary(), g.cfg.Tolerance)
			if r.Regressed {
				out.Regression = &r
				if err := g.suspend(ctx, fp, out.ExecutionID, regressionReason(r)); err != nil {
					return err
				}
				if r.RequiresAck {
					g.alerts.Notify(ctx, "hard_regression", map[string]any{
						"fingerprint": fp,
						"from":        r.From,
						"to":          r.To,
					})
				}
			}
		}
	}

	if g.requal != nil {
		eligible, err := g.requal.Eligible(ctx, fp)
		if err != nil {
			return err
		}
		out.Suspended = !eligible
	}
	if out.Suspended && out.EffectiveAction == confidence.ActionAutoRun {
		out.EffectiveAction = confidence.ActionPropose
	}
	return nil
}

func (g *Gate) createApproval(ctx context.Context, fp string, req Request, out *Result) error {
	if g.approvals == nil {
		return nil
	}

	pending := req.Plan.ApprovalScopedSteps()
	if len(pending) == 0 {
		pending = req.Plan.WriteSteps()
	}

	var (
		ids       []string
		prestates map[string]approval.Prestate
		err       error
	)
	if g.snapshotter != nil {
		ids, prestates, err = approval.Capture(ctx, g.snapshotter, pending)
		if err != nil {
			return err
		}
	} else {
		for _, s := range pending {
			ids = append(ids, s.ID)
		}
	}

	hash, err := PlanHash(req.Plan)
	if err != nil {
		return err
	}
	st := approval.State{
		ExecutionID:    out.ExecutionID,
		PlanHash:       hash,
		PendingStepIDs: ids,
		Prestates:      prestates,
	}
	if err := g.approvals.Create(ctx, st); err != nil {
		return err
	}
	created, _, err := g.approvals.Get(ctx, out.ExecutionID)
	if err != nil {
		return err
	}
	out.Approval = &created

	g.append(ctx, ledger.KindApprovalCreated, out.ExecutionID, ledger.ApprovalPayload{
		Fingerprint:    fp,
		PlanHash:       hash,
		PendingStepIDs: ids,
	})
	return nil
}

// Approve resolves an awaiting record. Prestates are re-checked through the
// snapshotter first, so a resource that changed since proposal refuses the
// approval as stale. Execution handoff itself is the caller's concern.
func (g *Gate) Approve(ctx context.Context, executionID, actor string) (approval.State, error) {
	if g == nil || g.approvals == nil {
		return approval.State{}, fmt.Errorf("approvals are not configured")
	}

	st, ok, err := g.approvals.Get(ctx, executionID)
	if err != nil {
		return approval.State{}, err
	}
	if !ok {
		return approval.State{}, fmt.Errorf("no approval record for %s", executionID)
	}

	current, err := approval.Recheck(ctx, g.snapshotter, st.Prestates)
	if err != nil {
		return approval.State{}, err
	}

	resolved, err := g.approvals.Approve(ctx, executionID, current)
	if err != nil {
		return approval.State{}, err
	}
	g.append(ctx, ledger.KindApprovalApproved, executionID, ledger.ApprovalPayload{
		PlanHash:       resolved.PlanHash,
		PendingStepIDs: resolved.PendingStepIDs,
		Actor:          strings.TrimSpace(actor),
	})
	return resolved, nil
}

// Reject resolves an awaiting record with a reason.
func (g *Gate) Reject(ctx context.Context, executionID, reason, actor string) (approval.State, error) {
	if g == nil || g.approvals == nil {
		return approval.State{}, fmt.Errorf("approvals are not configured")
	}
	resolved, err := g.approvals.Reject(ctx, executionID, reason)
	if err != nil {
		return approval.State{}, err
	}
	g.append(ctx, ledger.KindApprovalRejected, executionID, ledger.ApprovalPayload{
		PlanHash:        resolved.PlanHash,
		RejectionReason: resolved.RejectionReason,
		Actor:           strings.TrimSpace(actor),
	})
	return resolved, nil
}

// Rollback marks an approved execution as undone and leaves a receipt. The
// rollback also counts against the fingerprint's probation streak when the
// outcome is reported.
func (g *Gate) Rollback(ctx context.Context, executionID, actor string) (approval.State, error) {
	if g == nil || g.approvals == nil {
		return approval.State{}, fmt.Errorf("approvals are not configured")
	}
	st, err := g.approvals.MarkRolledBack(ctx, executionID)
	if err != nil {
		return approval.State{}, err
	}
	g.append(ctx, ledger.KindRollbackRecorded, executionID, ledger.ApprovalPayload{
		PlanHash: st.PlanHash,
		Actor:    strings.TrimSpace(actor),
	})
	return st, nil
}

// RecordOutcome reports a completed execution: releases the governor slot
// held since evaluation, feeds the breaker and the probation streak, and
// appends the completion receipt. Only outcomes that actually hold a slot
// (SlotHeld echoed from the evaluation Result) touch the governor; approval
// and denial paths were never admitted and must not free someone else's
// slot.
func (g *Gate) RecordOutcome(ctx context.Context, o trust.ExecutionOutcome) (trust.Status, error) {
	if g == nil {
		return trust.Status{}, fmt.Errorf("nil gate")
	}

	if g.gov != nil && o.SlotHeld {
		g.gov.Release(o.Fingerprint)
		if o.Status == trust.OutcomeOK {
			g.gov.ReportSuccess(o.Fingerprint)
		} else {
			g.gov.ReportFailure(o.Fingerprint)
		}
	}

	var st trust.Status
	if g.requal != nil {
		var err error
		st, err = g.requal.RecordOutcome(ctx, o)
		if err != nil {
			return trust.Status{}, err
		}
	}

	g.append(ctx, ledger.KindExecutionCompleted, o.ExecutionID, ledger.OutcomePayload{
		Fingerprint:      o.Fingerprint,
		Status:           o.Status,
		Confidence:       o.Confidence,
		GovernorDecision: o.GovernorDecision,
		SlotHeld:         o.SlotHeld,
		Throttled:        o.Throttled,
		RollbackRecorded: o.RollbackRecorded,
	})
	return st, nil
}

func (g *Gate) suspend(ctx context.Context, fp, executionID, reason string) error {
	if g.requal == nil {
		return nil
	}
	if err := g.requal.Suspend(ctx, fp, reason); err != nil {
		return err
	}
	g.append(ctx, ledger.KindSuspension, executionID, map[string]any{
		"fingerprint": fp,
		"reason":      reason,
	})
	g.alerts.Notify(ctx, "fingerprint_suspended", map[string]any{
		"fingerprint": fp,
		"reason":      reason,
	})
	return nil
}

// append writes a receipt; ledger failures are logged, never fatal to the
// decision already made.
func (g *Gate) append(ctx context.Context, kind, executionID string, payload any) {
	if _, err := g.receipts.Append(ctx, kind, executionID, payload); err != nil {
		g.logger.Error("receipt_append_error", "kind", kind, "execution_id", executionID, "error", err)
	}
}

// PlanHash is the canonical digest of a plan document, recorded on approval
// records so the approved plan can be matched byte-for-byte later.
func PlanHash(p plan.Plan) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func regressionReason(r confidence.Regression) string {
	return fmt.Sprintf("confidence regression: score %d -> %d, band %s -> %s, action %s -> %s",
		r.From.Score, r.To.Score, r.From.Band, r.To.Band, r.From.Action, r.To.Action)
}
