package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/gate"
	"github.com/quailyquaily/planwarden/internal/clifmt"
	"github.com/quailyquaily/planwarden/internal/pathutil"
	"github.com/quailyquaily/planwarden/plan"
)

var (
	planFile          string
	atArg             string
	approvalRequested bool
	plannerRetried    bool
	lenientParse      bool

	baselineCompare  bool
	ackRegression    bool
	baselineOverride bool

	variantConfidences []int
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Evaluate, score and baseline plans",
}

var policySimulateCmd = &cobra.Command{
	Use:   "simulate [command...]",
	Short: "Answer what would happen, with no side effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		req, err := requestFromArgs(args)
		if err != nil {
			return err
		}
		res, err := w.gate.Simulate(cmd.Context(), req)
		if err != nil {
			return err
		}

		fmt.Println(clifmt.Headerf("policy simulation"))
		fmt.Printf("%s %s\n", clifmt.Key("fingerprint:"), res.Fingerprint)
		fmt.Printf("%s %s\n", clifmt.Key("decision:"), string(res.Policy.Decision))
		if res.Policy.DenialCode != "" {
			fmt.Printf("%s %s\n", clifmt.Key("denial_code:"), res.Policy.DenialCode)
		}
		fmt.Printf("%s %v\n", clifmt.Key("approval_required:"), res.Policy.ApprovalRequired)
		fmt.Printf("%s %s\n", clifmt.Key("governor:"), string(res.Governor.Decision))
		if res.Governor.Reason != "" {
			fmt.Printf("%s %s (retry after %s)\n", clifmt.Key("throttle:"), res.Governor.Reason, res.Governor.RetryAfter)
		}
		fmt.Printf("%s %d\n", clifmt.Key("steps:"), res.Policy.StepCount)
		for _, note := range res.Policy.Notes {
			fmt.Println(clifmt.Dim("  - " + note))
		}
		return nil
	},
}

var policyScoreCmd = &cobra.Command{
	Use:   "score [command...]",
	Short: "Compute the confidence score, optionally against the baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		req, err := requestFromArgs(args)
		if err != nil {
			return err
		}
		res, scoreErr := w.gate.Score(cmd.Context(), req, baselineCompare)
		if scoreErr != nil {
			var unacked *gate.RegressionUnacknowledgedError
			if !errors.As(scoreErr, &unacked) {
				return scoreErr
			}
		}

		printScore(res)

		if res.Regression != nil && res.Regression.RequiresAck {
			if ackRegression {
				note := fmt.Sprintf("score %d -> %d", res.Regression.From.Score, res.Regression.To.Score)
				if err := w.gate.AcknowledgeRegression(cmd.Context(), res.Fingerprint, actorArg, note); err != nil {
					return err
				}
				fmt.Println(clifmt.Warn("regression acknowledged"))
				return nil
			}
			return scoreErr
		}
		return nil
	},
}

var policyBaselineCmd = &cobra.Command{
	Use:   "baseline [command...]",
	Short: "Capture the current score as the fingerprint baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		req, err := requestFromArgs(args)
		if err != nil {
			return err
		}
		rec, err := w.gate.WriteBaseline(cmd.Context(), req, baselineOverride)
		if err != nil {
			return err
		}
		fmt.Println(clifmt.Success("baseline written"))
		fmt.Printf("%s %s\n", clifmt.Key("fingerprint:"), rec.Fingerprint)
		fmt.Printf("%s %d (%s, %s)\n", clifmt.Key("score:"), rec.Score, rec.Band, rec.Action)
		return nil
	},
}

var policyVariantsCmd = &cobra.Command{
	Use:   "simulate-variants [command...]",
	Short: "Sweep synthetic confidence values and check decision monotonicity",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		req, err := requestFromArgs(args)
		if err != nil {
			return err
		}
		values := variantConfidences
		if len(values) == 0 {
			for c := 0; c <= 100; c += 5 {
				values = append(values, c)
			}
		}
		res, err := w.gate.SimulateVariants(cmd.Context(), req, values)
		if err != nil {
			return err
		}

		fmt.Println(clifmt.Headerf("confidence sweep for %s", res.Fingerprint))
		fmt.Print(res.Sweep.Curve())
		if res.Sweep.Monotonic() {
			fmt.Println(clifmt.Success("monotonic: decisions never get stricter as confidence rises"))
			return nil
		}
		for _, v := range res.Sweep.Violations {
			fmt.Println(clifmt.Warn(fmt.Sprintf("violation at %d: %s -> %s", v.AtConfidence, v.From, v.To)))
		}
		return fmt.Errorf("sweep found %d violation(s); fingerprint suspended", len(res.Sweep.Violations))
	},
}

func init() {
	policyCmd.PersistentFlags().StringVar(&planFile, "plan", "", "plan document (YAML); omit to derive a single-step preview plan")
	policyCmd.PersistentFlags().StringVar(&atArg, "at", "", "evaluation timestamp (RFC 3339); defaults to now")
	policyCmd.PersistentFlags().BoolVar(&approvalRequested, "approval", false, "caller explicitly requests approval")
	policyCmd.PersistentFlags().BoolVar(&plannerRetried, "planner-retried", false, "planner retried before producing this plan")
	policyCmd.PersistentFlags().BoolVar(&lenientParse, "lenient-parse", false, "lenient parsing was used while reading the plan")

	policyScoreCmd.Flags().BoolVar(&baselineCompare, "baseline-compare", false, "compare against the stored baseline")
	policyScoreCmd.Flags().BoolVar(&ackRegression, "ack", false, "acknowledge a hard regression")
	policyScoreCmd.Flags().StringVar(&actorArg, "actor", "", "who is acknowledging")
	policyBaselineCmd.Flags().BoolVar(&baselineOverride, "override", false, "replace an existing baseline")
	policyVariantsCmd.Flags().IntSliceVar(&variantConfidences, "confidences", nil, "confidence values to sweep (default 0..100 step 5)")

	policyCmd.AddCommand(policySimulateCmd)
	policyCmd.AddCommand(policyScoreCmd)
	policyCmd.AddCommand(policyBaselineCmd)
	policyCmd.AddCommand(policyVariantsCmd)
}

func requestFromArgs(args []string) (gate.Request, error) {
	command := strings.TrimSpace(strings.Join(args, " "))

	var (
		p   plan.Plan
		err error
	)
	if strings.TrimSpace(planFile) != "" {
		p, err = plan.Load(pathutil.ExpandHomePath(planFile))
	} else {
		p, err = plan.FromCommand(command)
	}
	if err != nil {
		return gate.Request{}, err
	}

	req := gate.Request{
		Plan:              p,
		Command:           command,
		Mode:              currentMode,
		ApprovalRequested: approvalRequested,
		Env: confidence.Env{
			PlannerRetried:   plannerRetried,
			LenientParseUsed: lenientParse,
		},
	}
	if strings.TrimSpace(atArg) != "" {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(atArg))
		if err != nil {
			return gate.Request{}, fmt.Errorf("parse --at: %w", err)
		}
		req.AsOf = at.UTC()
	}
	return req, nil
}

func printScore(res gate.ScoreResult) {
	fmt.Println(clifmt.Headerf("confidence score"))
	fmt.Printf("%s %s\n", clifmt.Key("fingerprint:"), res.Fingerprint)
	fmt.Printf("%s %d (%s, %s)\n", clifmt.Key("score:"), res.Score.Score, res.Score.Band, res.Score.Action)
	for _, r := range res.Score.Reasons {
		fmt.Printf("  %+4d %s %s\n", r.Weight, r.Code, clifmt.Dim(r.Detail))
	}
	if res.Baseline != nil {
		fmt.Printf("%s %d (%s, %s) captured %s\n", clifmt.Key("baseline:"),
			res.Baseline.Score, res.Baseline.Band, res.Baseline.Action,
			res.Baseline.CapturedAt.Format(time.RFC3339))
	}
	if res.Regression != nil {
		label := "regression"
		if res.Regression.RequiresAck {
			label = "hard regression (ack required)"
		}
		fmt.Println(clifmt.Warn(fmt.Sprintf("%s: score %d -> %d, band %s -> %s, action %s -> %s",
			label,
			res.Regression.From.Score, res.Regression.To.Score,
			res.Regression.From.Band, res.Regression.To.Band,
			res.Regression.From.Action, res.Regression.To.Action)))
	}
}
