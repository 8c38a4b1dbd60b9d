// Package trust tracks per-operation-class confidence history: stable
// fingerprints, baseline records, and the suspension/probation lifecycle.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/quailyquaily/planwarden/policy"
)

// Fingerprint computes the stable identity hash for a class of operation.
// Two semantically identical requests must fingerprint identically
// regardless of superficial formatting, so the command is trimmed,
// case-folded and whitespace-collapsed, and the capability set is sorted
// and de-duplicated before hashing.
func Fingerprint(command, policyVersion string, mode policy.AutonomyMode, capabilities []string) (string, error) {
	payload := struct {
		Command       string   `json:"command"`
		PolicyVersion string   `json:"policy_version"`
		AutonomyMode  string   `json:"autonomy_mode"`
		Capabilities  []string `json:"capabilities"`
	}{
		Command:       NormalizeCommand(command),
		PolicyVersion: strings.TrimSpace(policyVersion),
		AutonomyMode:  string(mode),
		Capabilities:  normalizeCapabilities(capabilities),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "fp_" + hex.EncodeToString(sum[:]), nil
}

// NormalizeCommand applies the fingerprint command normalization:
// trim, case-fold, collapse internal whitespace.
func NormalizeCommand(command string) string {
	return strings.Join(strings.Fields(strings.ToLower(command)), " ")
}

func normalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]bool, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
