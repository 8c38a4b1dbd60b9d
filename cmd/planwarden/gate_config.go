package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quailyquaily/planwarden/approval"
	"github.com/quailyquaily/planwarden/db"
	"github.com/quailyquaily/planwarden/gate"
	"github.com/quailyquaily/planwarden/governor"
	"github.com/quailyquaily/planwarden/internal/pathutil"
	"github.com/quailyquaily/planwarden/ledger"
	"github.com/quailyquaily/planwarden/policy"
	"github.com/quailyquaily/planwarden/trust"
)

// wiring is everything a command needs, built once per invocation.
type wiring struct {
	gate      *gate.Gate
	receipts  *ledger.FileLedger
	redactor  *ledger.Redactor
	approvals *approval.Store

	closers []func() error
}

func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		_ = w.closers[i]()
	}
}

// gateFromViper assembles the full pipeline from configuration. Degraded
// wiring (a bad signing key, for instance) logs a warning and continues;
// only a missing store or ledger is fatal.
func gateFromViper(log *slog.Logger) (*wiring, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &wiring{}

	dsn, err := db.ResolveSQLiteDSN(viper.GetString("db.dsn"))
	if err != nil {
		return nil, err
	}

	ledgerPath := strings.TrimSpace(viper.GetString("ledger.jsonl_path"))
	if ledgerPath == "" {
		home, herr := os.UserHomeDir()
		if herr == nil && strings.TrimSpace(home) != "" {
			ledgerPath = filepath.Join(home, ".planwarden", "receipts.jsonl")
		}
	}
	ledgerPath = pathutil.ExpandHomePath(ledgerPath)

	var ledgerOpts []ledger.LedgerOption
	if n := viper.GetInt64("ledger.rotate_max_bytes"); n > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithRotateMaxBytes(n))
	}
	if key := signingKeyFromViper(log); key != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSigner(key))
	}
	receipts, err := ledger.NewFileLedger(ledgerPath, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("open receipt ledger: %w", err)
	}
	w.receipts = receipts
	w.closers = append(w.closers, receipts.Close)

	baselines, err := trust.NewBaselineStore(dsn)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.closers = append(w.closers, baselines.Close)

	requal, err := trust.NewRequalifier(dsn, viper.GetInt("trust.required_successes"), log)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.closers = append(w.closers, requal.Close)

	approvals, err := approval.NewStore(dsn)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.approvals = approvals
	w.closers = append(w.closers, approvals.Close)

	engine := policy.NewEngine(policyConfigFromViper(), resolverFromViper())
	gov := governor.New(governorConfigFromViper())

	var patterns []ledger.RegexPattern
	_ = viper.UnmarshalKey("ledger.redaction.patterns", &patterns)
	w.redactor = ledger.NewRedactor(ledger.RedactionConfig{
		Enabled:  viper.GetBool("ledger.redaction.enabled"),
		Patterns: patterns,
	})

	snapshotRoot := pathutil.ExpandHomePath(viper.GetString("approvals.snapshot_root"))
	if snapshotRoot == "" {
		snapshotRoot = "."
	}

	g, err := gate.New(gate.Config{Tolerance: viper.GetInt("gate.tolerance")},
		engine, gov, baselines, requal, approvals, receipts,
		gate.WithLogger(log),
		gate.WithSnapshotter(approval.FileSnapshotter{Root: snapshotRoot}),
	)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.gate = g

	log.Debug("gate_enabled",
		"db_dsn", dsn,
		"ledger_jsonl", ledgerPath,
		"tolerance", viper.GetInt("gate.tolerance"),
	)
	return w, nil
}

func policyConfigFromViper() policy.Config {
	cfg := policy.DefaultConfig()
	if v := strings.TrimSpace(viper.GetString("policy.version")); v != "" {
		cfg.PolicyVersion = v
	}
	if n := viper.GetInt("policy.max_steps"); n > 0 {
		cfg.MaxSteps = n
	}
	if d := viper.GetDuration("policy.step_timeout_cap"); d > 0 {
		cfg.StepTimeoutCap = d
	}
	if n := viper.GetInt("policy.deny_below"); n > 0 {
		cfg.DenyBelow = n
	}
	if n := viper.GetInt("policy.approve_below"); n > 0 {
		cfg.ApproveBelow = n
	}
	return cfg
}

func governorConfigFromViper() governor.Config {
	cfg := governor.DefaultConfig()
	cfg.Enabled = true
	if viper.IsSet("governor.enabled") {
		cfg.Enabled = viper.GetBool("governor.enabled")
	}
	if v := viper.GetFloat64("governor.rate_per_minute"); v > 0 {
		cfg.RatePerMinute = v
	}
	if n := viper.GetInt("governor.burst"); n > 0 {
		cfg.Burst = n
	}
	if n := viper.GetInt("governor.failure_threshold"); n > 0 {
		cfg.FailureThreshold = n
	}
	if d := viper.GetDuration("governor.failure_window"); d > 0 {
		cfg.FailureWindow = d
	}
	if d := viper.GetDuration("governor.cooldown"); d > 0 {
		cfg.Cooldown = d
	}
	if n := viper.GetInt("governor.max_concurrent"); n > 0 {
		cfg.MaxConcurrent = n
	}
	if d := viper.GetDuration("governor.retry_after"); d > 0 {
		cfg.RetryAfter = d
	}
	return cfg
}

// resolverFromViper builds the capability registry from configuration:
// capabilities.providers is a capability -> provider map.
func resolverFromViper() policy.CapabilityResolver {
	providers := viper.GetStringMapString("capabilities.providers")
	resolver := make(policy.StaticResolver, len(providers))
	for capability, provider := range providers {
		resolver[strings.TrimSpace(capability)] = strings.TrimSpace(provider)
	}
	return resolver
}

func signingKeyFromViper(log *slog.Logger) ed25519.PrivateKey {
	encoded := strings.TrimSpace(viper.GetString("ledger.signing_key"))
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		log.Warn("ledger_signing_key_invalid")
		return nil
	}
	return ed25519.PrivateKey(raw)
}

// policySnapshot is the configuration block written into export bundles.
func policySnapshot() map[string]any {
	cfg := policyConfigFromViper()
	gov := governorConfigFromViper()
	return map[string]any{
		"policy": map[string]any{
			"version":          cfg.PolicyVersion,
			"max_steps":        cfg.MaxSteps,
			"step_timeout_cap": cfg.StepTimeoutCap.String(),
			"deny_below":       cfg.DenyBelow,
			"approve_below":    cfg.ApproveBelow,
		},
		"governor": map[string]any{
			"enabled":           gov.Enabled,
			"rate_per_minute":   gov.RatePerMinute,
			"burst":             gov.Burst,
			"failure_threshold": gov.FailureThreshold,
			"failure_window":    gov.FailureWindow.String(),
			"cooldown":          gov.Cooldown.String(),
			"max_concurrent":    gov.MaxConcurrent,
		},
		"gate": map[string]any{
			"tolerance": viper.GetInt("gate.tolerance"),
		},
		"exported_with": "planwarden",
		"exported_at":   time.Now().UTC().Format(time.RFC3339),
	}
}
