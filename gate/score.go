package gate

import (
	"context"
	"fmt"

	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/ledger"
	"github.com/quailyquaily/planwarden/policy"
	"github.com/quailyquaily/planwarden/trust"
)

// RegressionUnacknowledgedError is returned when a score comparison finds a
// hard regression that nobody has acknowledged. The CLI maps it to its own
// exit codes.
type RegressionUnacknowledgedError struct {
	Fingerprint string
	Regression  confidence.Regression
}

func (e *RegressionUnacknowledgedError) Error() string {
	return fmt.Sprintf("unacknowledged regression for %s: score %d -> %d, action %s -> %s",
		e.Fingerprint, e.Regression.From.Score, e.Regression.To.Score,
		e.Regression.From.Action, e.Regression.To.Action)
}

// ScoreResult is the read-only scoring answer for one request.
type ScoreResult struct {
	Fingerprint string                 `json:"fingerprint"`
	Features    confidence.Features    `json:"features"`
	Score       confidence.Score       `json:"score"`
	Baseline    *trust.BaselineRecord  `json:"baseline,omitempty"`
	Regression  *confidence.Regression `json:"regression,omitempty"`
}

// Score computes the confidence score without side effects. When compare is
// set and a baseline exists, the result carries the regression comparison;
// a hard regression additionally comes back as a
// RegressionUnacknowledgedError alongside the result.
func (g *Gate) Score(ctx context.Context, req Request, compare bool) (ScoreResult, error) {
	if g == nil {
		return ScoreResult{}, fmt.Errorf("nil gate")
	}
	command := req.command()
	fp, err := trust.Fingerprint(command, g.engine.Config().PolicyVersion, req.Mode, req.Plan.RequiredCapabilities)
	if err != nil {
		return ScoreResult{}, err
	}

	preq := policy.Request{
		Plan:              req.Plan,
		Command:           command,
		Mode:              req.Mode,
		AsOf:              req.AsOf,
		ApprovalRequested: req.ApprovalRequested,
	}
	decision := g.engine.Evaluate(preq)
	resolution := g.engine.Resolve(preq)
	features := confidence.Extract(req.Plan, decision, resolution, g.engine.Config().StepTimeoutCap, req.Env)

	out := ScoreResult{
		Fingerprint: fp,
		Features:    features,
		Score:       confidence.ComputeScore(features),
	}

	if compare && g.baselines != nil {
		base, ok, err := g.baselines.Latest(ctx, fp)
		if err != nil {
			return ScoreResult{}, err
		}
		if ok {
			out.Baseline = &base
			r := confidence.Compare(base.Summary(), out.Score.Summary(), g.cfg.Tolerance)
			if r.Regressed {
				out.Regression = &r
				if r.RequiresAck {
					return out, &RegressionUnacknowledgedError{Fingerprint: fp, Regression: r}
				}
			}
		}
	}
	return out, nil
}

// AcknowledgeRegression records that an operator reviewed and accepted a
// hard regression. The acknowledgment is itself a receipt, so the audit
// trail shows who accepted what.
func (g *Gate) AcknowledgeRegression(ctx context.Context, fingerprint, actor, note string) error {
	if g == nil {
		return fmt.Errorf("nil gate")
	}
	g.append(ctx, ledger.KindRegressionAck, "", map[string]any{
		"fingerprint": fingerprint,
		"actor":       actor,
		"note":        note,
	})
	return nil
}

// WriteBaseline captures the current score as the baseline for the request
// fingerprint. Without override it refuses to replace an existing baseline.
func (g *Gate) WriteBaseline(ctx context.Context, req Request, override bool) (trust.BaselineRecord, error) {
	if g == nil {
		return trust.BaselineRecord{}, fmt.Errorf("nil gate")
	}
	if g.baselines == nil {
		return trust.BaselineRecord{}, fmt.Errorf("baseline store is not configured")
	}

	res, err := g.Score(ctx, req, false)
	if err != nil {
		return trust.BaselineRecord{}, err
	}

	rec := trust.BaselineRecord{
		Fingerprint:   res.Fingerprint,
		Command:       trust.NormalizeCommand(req.command()),
		PolicyVersion: g.engine.Config().PolicyVersion,
		AutonomyMode:  req.Mode,
		CapabilitySet: req.Plan.RequiredCapabilities,
		Score:         res.Score.Score,
		Band:          res.Score.Band,
		Action:        res.Score.Action,
	}
	if err := g.baselines.Put(ctx, rec, override); err != nil {
		return trust.BaselineRecord{}, err
	}

	g.append(ctx, ledger.KindBaselineWritten, "", map[string]any{
		"fingerprint": rec.Fingerprint,
		"score":       rec.Score,
		"band":        string(rec.Band),
		"action":      string(rec.Action),
		"override":    override,
	})
	g.logger.Info("baseline_written", "fingerprint", rec.Fingerprint, "score", rec.Score, "band", rec.Band)
	return rec, nil
}
