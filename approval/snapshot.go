package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/planwarden/plan"
)

// PrestateAbsent is the fingerprint recorded when the target resource does
// not exist yet. Creation between proposal and approval still counts as
// drift.
const PrestateAbsent = "absent"

// FileSnapshotter fingerprints local files. The artifact for a step is
// resolved under Root by idempotency key, falling back to the step id.
type FileSnapshotter struct {
	Root string
}

func (f FileSnapshotter) Snapshot(ctx context.Context, step plan.Step) (Prestate, error) {
	ref := f.artifactRef(step)
	fp, err := f.Current(ctx, ref)
	if err != nil {
		return Prestate{}, err
	}
	return Prestate{Fingerprint: fp, ArtifactRef: ref}, nil
}

func (f FileSnapshotter) Current(_ context.Context, artifactRef string) (string, error) {
	data, err := os.ReadFile(artifactRef)
	if os.IsNotExist(err) {
		return PrestateAbsent, nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (f FileSnapshotter) artifactRef(step plan.Step) string {
	name := strings.TrimSpace(step.IdempotencyKey)
	if name == "" {
		name = strings.TrimSpace(step.ID)
	}
	return filepath.Join(f.Root, name)
}
