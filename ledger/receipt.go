// Package ledger provides the append-only, hash-linked receipt trail for
// every governed decision, plus exportable bundles that verify offline.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Receipt kinds. One receipt is appended per governed decision, including
// denials: visibility into why something was blocked is part of the
// contract.
const (
	KindPlanEvaluated      = "plan_evaluated"
	KindPolicyDenied       = "policy_denied"
	KindGovernorThrottled  = "governor_throttled"
	KindApprovalCreated    = "approval_created"
	KindApprovalApproved   = "approval_approved"
	KindApprovalRejected   = "approval_rejected"
	KindRollbackRecorded   = "rollback_recorded"
	KindExecutionCompleted = "execution_completed"
	KindBaselineWritten    = "baseline_written"
	KindRegressionAck      = "regression_acknowledged"
	KindSuspension         = "fingerprint_suspended"
)

// GenesisHash anchors the start of a chain.
const GenesisHash = "genesis"

// Receipt is one immutable audit record. Receipts chain: PreviousHash
// equals the hash of the prior receipt. They are never edited or deleted;
// rotation and export create filtered copies.
type Receipt struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	Kind         string          `json:"kind"`
	Timestamp    time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Signature    string          `json:"signature,omitempty"`
}

// Hash computes the chain hash of a receipt. The signature is excluded so
// signing does not alter the chain.
func (r Receipt) Hash() (string, error) {
	hashInput := struct {
		ID           string    `json:"id"`
		ExecutionID  string    `json:"execution_id,omitempty"`
		Kind         string    `json:"kind"`
		Timestamp    time.Time `json:"ts"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{r.ID, r.ExecutionID, r.Kind, r.Timestamp, r.PayloadHash, r.PreviousHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal receipt hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashPayload computes the canonical SHA-256 digest of an arbitrary
// JSON-marshalable payload.
func HashPayload(payload any) (json.RawMessage, string, error) {
	if payload == nil {
		return nil, emptyPayloadHash(), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// Typed payloads for the known receipt kinds. Unknown or forward-compatible
// records fall back to any JSON-marshalable value; payloads are validated
// at this boundary, not throughout internal logic.

// DecisionPayload records a policy evaluation outcome.
type DecisionPayload struct {
	Fingerprint string   `json:"fingerprint,omitempty"`
	Command     string   `json:"command,omitempty"`
	Decision    string   `json:"decision"`
	DenialCode  string   `json:"denial_code,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Score       int      `json:"score,omitempty"`
	Band        string   `json:"band,omitempty"`
	Action      string   `json:"action,omitempty"`
}

// ApprovalPayload records an approval lifecycle event.
type ApprovalPayload struct {
	Fingerprint     string   `json:"fingerprint,omitempty"`
	PlanHash        string   `json:"plan_hash,omitempty"`
	PendingStepIDs  []string `json:"pending_step_ids,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	Actor           string   `json:"actor,omitempty"`
}

// OutcomePayload records an execution completion.
type OutcomePayload struct {
	Fingerprint      string `json:"fingerprint,omitempty"`
	Status           string `json:"status"`
	Confidence       int    `json:"confidence,omitempty"`
	GovernorDecision string `json:"governor_decision,omitempty"`
	SlotHeld         bool   `json:"slot_held,omitempty"`
	Throttled        bool   `json:"throttled,omitempty"`
	RollbackRecorded bool   `json:"rollback_recorded,omitempty"`
}
