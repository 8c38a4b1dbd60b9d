package policy

import (
	"fmt"
	"strings"
)

// AutonomyMode controls how much a run may do without a human in the loop.
type AutonomyMode string

const (
	// ModeReadOnly denies every write step outright.
	ModeReadOnly AutonomyMode = "read_only"
	// ModeApprovalGated gates write steps behind human approval.
	ModeApprovalGated AutonomyMode = "approval_gated"
	// ModeFull allows write steps without approval.
	ModeFull AutonomyMode = "full"
)

// ParseMode normalizes free-form mode text to the closed enum. Accepts the
// synonyms operators actually type; fingerprinting depends on this mapping
// being stable.
func ParseMode(s string) (AutonomyMode, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.ReplaceAll(n, "-", "_")
	n = strings.TrimSuffix(n, "_autonomy")
	switch n {
	case "", "approval_gated", "approval", "gated", "supervised":
		return ModeApprovalGated, nil
	case "read_only", "readonly", "ro", "observe":
		return ModeReadOnly, nil
	case "full", "auto", "autonomous":
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown autonomy mode: %q", s)
}

// Restrictive reports whether the mode keeps writes away from auto-run.
// Used by the command surface when deciding exit codes for unacknowledged
// regressions.
func (m AutonomyMode) Restrictive() bool {
	return m == ModeReadOnly || m == ModeApprovalGated
}
