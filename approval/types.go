package approval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quailyquaily/planwarden/plan"
)

type Status string

const (
	StatusAwaiting Status = "awaiting_approval"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Prestate is the snapshot identity of a resource captured before a write
// step is proposed. Approval checks it again later: if the resource changed
// in between, the approval is stale.
type Prestate struct {
	Fingerprint string `json:"fingerprint"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// State is one approval record. One record per execution id, single-writer;
// resolved records are terminal and never deleted. A rollback is a marker
// on a resolved record, not a status of its own.
type State struct {
	ExecutionID     string              `json:"execution_id"`
	Status          Status              `json:"status"`
	PlanHash        string              `json:"plan_hash"`
	PendingStepIDs  []string            `json:"pending_step_ids,omitempty"`
	Prestates       map[string]Prestate `json:"prestates,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
	RejectionReason string              `json:"rejection_reason,omitempty"`
	RolledBack      bool                `json:"rolled_back,omitempty"`
}

// Batch reports whether the record covers more than one approval-scoped
// step.
func (s State) Batch() bool {
	return len(s.PendingStepIDs) > 1
}

func (s State) Resolved() bool {
	return s.Status == StatusApproved || s.Status == StatusRejected
}

// ConflictError reports a transition that lost to another writer or hit a
// record in the wrong state: double-resolve, reject-after-approve, stale
// prestate, rollback of an unresolved record.
type ConflictError struct {
	ExecutionID string
	Reason      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval conflict for %s: %s", e.ExecutionID, e.Reason)
}

// Snapshotter captures the prestate of the resource a step is about to
// write, and can re-fingerprint the same resource later so approval can
// detect drift between proposal and decision.
type Snapshotter interface {
	Snapshot(ctx context.Context, step plan.Step) (Prestate, error)
	Current(ctx context.Context, artifactRef string) (string, error)
}

// Recheck re-fingerprints every captured prestate through snap, keyed by
// step id, for a freshness comparison at approval time.
func Recheck(ctx context.Context, snap Snapshotter, prestates map[string]Prestate) (map[string]Prestate, error) {
	if snap == nil {
		return nil, nil
	}
	out := make(map[string]Prestate, len(prestates))
	for stepID, ps := range prestates {
		fp, err := snap.Current(ctx, ps.ArtifactRef)
		if err != nil {
			return nil, fmt.Errorf("recheck step %s: %w", stepID, err)
		}
		out[stepID] = Prestate{Fingerprint: fp, ArtifactRef: ps.ArtifactRef}
	}
	return out, nil
}

// Capture snapshots every approval-scoped step, keyed by step id. Step ids
// come back sorted so the pending list is stable.
func Capture(ctx context.Context, snap Snapshotter, steps []plan.Step) ([]string, map[string]Prestate, error) {
	if snap == nil {
		return nil, nil, fmt.Errorf("nil snapshotter")
	}
	ids := make([]string, 0, len(steps))
	prestates := make(map[string]Prestate, len(steps))
	for _, step := range steps {
		ps, err := snap.Snapshot(ctx, step)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot step %s: %w", step.ID, err)
		}
		ids = append(ids, step.ID)
		prestates[step.ID] = ps
	}
	sort.Strings(ids)
	return ids, prestates, nil
}
