package trust

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/quailyquaily/planwarden/internal/keylock"
	"github.com/quailyquaily/planwarden/policy"
)

// Execution statuses fed back into probation tracking.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// ExecutionOutcome is one completed execution reported against a
// fingerprint.
type ExecutionOutcome struct {
	Fingerprint      string
	ExecutionID      string
	Status           string
	Confidence       int
	GovernorDecision string
	// SlotHeld echoes Result.SlotHeld from the admitting evaluation; only a
	// held slot is released when the outcome is recorded.
	SlotHeld         bool
	PolicyDenied     bool
	Throttled        bool
	RollbackRecorded bool
	ApprovalRequired bool
	Mode             policy.AutonomyMode
}

// Clean reports whether the outcome counts toward probation: a successful,
// non-denied, non-throttled execution with no rollback.
func (o ExecutionOutcome) Clean() bool {
	return o.Status == OutcomeOK && !o.PolicyDenied && !o.Throttled && !o.RollbackRecorded
}

// Status is the persisted suspension/probation state for one fingerprint.
type Status struct {
	Fingerprint string     `json:"fingerprint"`
	Suspended   bool       `json:"suspended"`
	Reason      string     `json:"reason,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	Streak      int        `json:"streak"`
}

// Requalifier manages fingerprint suspension and the probation process that
// re-earns AUTO_RUN eligibility. State is SQLite-backed and survives
// restarts.
type Requalifier struct {
	dsn      string
	required int
	logger   *slog.Logger

	mu   sync.Mutex
	db   *sql.DB
	keys *keylock.KeyLock
}

func NewRequalifier(dsn string, requiredSuccesses int, logger *slog.Logger) (*Requalifier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	if requiredSuccesses <= 0 {
		requiredSuccesses = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Requalifier{dsn: dsn, required: requiredSuccesses, logger: logger, keys: keylock.New()}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Suspend marks a fingerprint as suspended. AUTO_RUN eligibility is denied
// until probation completes. Suspending an already-suspended fingerprint
// resets its probation streak.
func (r *Requalifier) Suspend(ctx context.Context, fingerprint, reason string) error {
	if r == nil {
		return fmt.Errorf("nil requalifier")
	}
	if err := r.ensureOpen(); err != nil {
		return err
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return fmt.Errorf("missing fingerprint")
	}

	r.keys.Lock(fingerprint)
	defer r.keys.Unlock(fingerprint)

	now := time.Now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO trust_status (fingerprint, suspended, reason, suspended_at_unix, streak)
VALUES (?, 1, ?, ?, 0)
ON CONFLICT(fingerprint) DO UPDATE SET
  suspended = 1, reason = excluded.reason, suspended_at_unix = excluded.suspended_at_unix, streak = 0
`, fingerprint, strings.TrimSpace(reason), now)
	if err != nil {
		return err
	}
	r.logger.Warn("fingerprint_suspended", "fingerprint", fingerprint, "reason", reason)
	return nil
}

// Status reads the suspension state for a fingerprint. A fingerprint with
// no row is not suspended.
func (r *Requalifier) Status(ctx context.Context, fingerprint string) (Status, error) {
	if r == nil {
		return Status{}, fmt.Errorf("nil requalifier")
	}
	if err := r.ensureOpen(); err != nil {
		return Status{}, err
	}
	fingerprint = strings.TrimSpace(fingerprint)

	var (
		st            Status
		suspended     int
		suspendedUnix sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT fingerprint, suspended, reason, suspended_at_unix, streak
FROM trust_status WHERE fingerprint = ?
`, fingerprint).Scan(&st.Fingerprint, &suspended, &st.Reason, &suspendedUnix, &st.Streak)
	if err == sql.ErrNoRows {
		return Status{Fingerprint: fingerprint}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st.Suspended = suspended != 0
	if suspendedUnix.Valid {
		t := time.Unix(suspendedUnix.Int64, 0).UTC()
		st.SuspendedAt = &t
	}
	return st, nil
}

// Eligible reports whether the fingerprint may AUTO_RUN.
func (r *Requalifier) Eligible(ctx context.Context, fingerprint string) (bool, error) {
	st, err := r.Status(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	return !st.Suspended, nil
}

// RecordOutcome feeds one execution outcome into probation tracking. Clean
// outcomes extend the streak; any failure resets it. Reaching the
// configured streak lifts the suspension.
func (r *Requalifier) RecordOutcome(ctx context.Context, o ExecutionOutcome) (Status, error) {
	if r == nil {
		return Status{}, fmt.Errorf("nil requalifier")
	}
	if err := r.ensureOpen(); err != nil {
		return Status{}, err
	}
	fp := strings.TrimSpace(o.Fingerprint)
	if fp == "" {
		return Status{}, fmt.Errorf("missing fingerprint")
	}

	r.keys.Lock(fp)
	defer r.keys.Unlock(fp)

	st, err := r.Status(ctx, fp)
	if err != nil {
		return Status{}, err
	}
	if !st.Suspended {
		return st, nil
	}

	if o.Clean() {
		st.Streak++
	} else {
		st.Streak = 0
	}

	if st.Streak >= r.required {
		if _, err := r.db.ExecContext(ctx, `
UPDATE trust_status SET suspended = 0, reason = '', suspended_at_unix = NULL, streak = 0
WHERE fingerprint = ?
`, fp); err != nil {
			return Status{}, err
		}
		r.logger.Info("fingerprint_requalified", "fingerprint", fp, "successes", r.required)
		return Status{Fingerprint: fp}, nil
	}

	if _, err := r.db.ExecContext(ctx, `
UPDATE trust_status SET streak = ? WHERE fingerprint = ?
`, st.Streak, fp); err != nil {
		return Status{}, err
	}
	return st, nil
}

func (r *Requalifier) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

func (r *Requalifier) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", r.dsn)
	if err != nil {
		return err
	}
	r.db = db
	return r.migrate()
}

func (r *Requalifier) ensureOpen() error {
	if r.db != nil {
		return nil
	}
	return r.open()
}

func (r *Requalifier) migrate() error {
	if r.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS trust_status (
  fingerprint TEXT PRIMARY KEY,
  suspended INTEGER NOT NULL DEFAULT 0,
  reason TEXT,
  suspended_at_unix INTEGER,
  streak INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}
