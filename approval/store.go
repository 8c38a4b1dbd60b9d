package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/quailyquaily/planwarden/internal/keylock"
)

// Store persists approval records in SQLite. Transitions are guarded
// updates conditioned on the current status, so concurrent approve and
// reject on the same execution id resolve to exactly one winner; the loser
// gets a ConflictError.
type Store struct {
	dsn string

	mu    sync.Mutex
	db    *sql.DB
	keys  *keylock.KeyLock
	clock func() time.Time
}

func NewStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &Store{dsn: dsn, keys: keylock.New(), clock: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Create persists a new awaiting-approval record. Prestates must already be
// captured; the record enters the store complete or not at all. A record
// that already exists for the execution id is a conflict, never an upsert.
func (s *Store) Create(ctx context.Context, st State) error {
	if s == nil {
		return fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	id := strings.TrimSpace(st.ExecutionID)
	if id == "" {
		return fmt.Errorf("missing execution id")
	}

	s.keys.Lock(id)
	defer s.keys.Unlock(id)

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approval_states WHERE execution_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return &ConflictError{ExecutionID: id, Reason: "record already exists"}
	}

	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.clock().UTC()
	}
	stepsJSON, _ := json.Marshal(st.PendingStepIDs)
	prestatesJSON, _ := json.Marshal(st.Prestates)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_states (
  execution_id, status, plan_hash, pending_step_ids_json, prestates_json,
  created_at_unix, resolved_at_unix, rejection_reason, rolled_back
) VALUES (?, ?, ?, ?, ?, ?, NULL, '', 0)
`, id, string(StatusAwaiting), strings.TrimSpace(st.PlanHash), string(stepsJSON), string(prestatesJSON),
		st.CreatedAt.Unix())
	return err
}

// Get returns the record for an execution id.
func (s *Store) Get(ctx context.Context, executionID string) (State, bool, error) {
	if s == nil {
		return State{}, false, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return State{}, false, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return State{}, false, nil
	}

	row := s.db.QueryRowContext(ctx, `
SELECT execution_id, status, plan_hash, pending_step_ids_json, prestates_json,
       created_at_unix, resolved_at_unix, rejection_reason, rolled_back
FROM approval_states
WHERE execution_id = ?
`, executionID)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

// List returns records, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]State, error) {
	if s == nil {
		return nil, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	query := `
SELECT execution_id, status, plan_hash, pending_step_ids_json, prestates_json,
       created_at_unix, resolved_at_unix, rejection_reason, rolled_back
FROM approval_states`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at_unix DESC, execution_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Approve transitions awaiting_approval to approved. When current prestates
// are supplied they are checked against the captured ones; any drift means
// the resource changed between proposal and approval and the transition is
// refused as stale. Execution handoff is the caller's concern.
func (s *Store) Approve(ctx context.Context, executionID string, current map[string]Prestate) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return State{}, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return State{}, fmt.Errorf("missing execution id")
	}

	s.keys.Lock(executionID)
	defer s.keys.Unlock(executionID)

	st, ok, err := s.Get(ctx, executionID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("no approval record for %s", executionID)
	}
	if st.Status != StatusAwaiting {
		return State{}, &ConflictError{ExecutionID: executionID, Reason: fmt.Sprintf("already %s", st.Status)}
	}

	if current != nil {
		for _, stepID := range st.PendingStepIDs {
			captured, ok := st.Prestates[stepID]
			if !ok {
				continue
			}
			now, ok := current[stepID]
			if !ok || now.Fingerprint != captured.Fingerprint {
				return State{}, &ConflictError{
					ExecutionID: executionID,
					Reason:      fmt.Sprintf("stale prestate for step %s", stepID),
				}
			}
		}
	}

	return s.resolve(ctx, executionID, StatusApproved, "")
}

// Reject transitions awaiting_approval to rejected. A reason is required,
// and rejecting an already-resolved record is an error, not a no-op.
func (s *Store) Reject(ctx context.Context, executionID, reason string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return State{}, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return State{}, fmt.Errorf("missing execution id")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return State{}, fmt.Errorf("missing rejection reason")
	}

	s.keys.Lock(executionID)
	defer s.keys.Unlock(executionID)

	return s.resolve(ctx, executionID, StatusRejected, reason)
}

// MarkRolledBack flags an approved record whose execution was undone. Only
// approved records can roll back; the status itself does not change.
func (s *Store) MarkRolledBack(ctx context.Context, executionID string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return State{}, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return State{}, fmt.Errorf("missing execution id")
	}

	s.keys.Lock(executionID)
	defer s.keys.Unlock(executionID)

	res, err := s.db.ExecContext(ctx, `
UPDATE approval_states
SET rolled_back = 1
WHERE execution_id = ? AND status = ?
`, executionID, string(StatusApproved))
	if err != nil {
		return State{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, err
	}
	if n == 0 {
		st, ok, err := s.Get(ctx, executionID)
		if err != nil {
			return State{}, err
		}
		if !ok {
			return State{}, fmt.Errorf("no approval record for %s", executionID)
		}
		return State{}, &ConflictError{ExecutionID: executionID, Reason: fmt.Sprintf("cannot roll back a %s record", st.Status)}
	}

	st, _, err := s.Get(ctx, executionID)
	return st, err
}

// resolve performs the guarded transition. The WHERE clause admits only the
// awaiting record, so of two racing writers exactly one sees RowsAffected
// of 1 and the other gets a ConflictError.
func (s *Store) resolve(ctx context.Context, executionID string, to Status, reason string) (State, error) {
	now := s.clock().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
UPDATE approval_states
SET status = ?, resolved_at_unix = ?, rejection_reason = ?
WHERE execution_id = ? AND status = ?
`, string(to), now, reason, executionID, string(StatusAwaiting))
	if err != nil {
		return State{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, err
	}
	if n == 0 {
		st, ok, err := s.Get(ctx, executionID)
		if err != nil {
			return State{}, err
		}
		if !ok {
			return State{}, fmt.Errorf("no approval record for %s", executionID)
		}
		return State{}, &ConflictError{ExecutionID: executionID, Reason: fmt.Sprintf("already %s", st.Status)}
	}

	st, _, err := s.Get(ctx, executionID)
	return st, err
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *Store) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	return s.open()
}

func (s *Store) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS approval_states (
  execution_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  plan_hash TEXT,
  pending_step_ids_json TEXT,
  prestates_json TEXT,
  created_at_unix INTEGER NOT NULL,
  resolved_at_unix INTEGER,
  rejection_reason TEXT,
  rolled_back INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approval_states_status ON approval_states(status);
`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (State, error) {
	var (
		st             State
		status         string
		stepsJSON      string
		prestatesJSON  string
		createdUnix    int64
		resolvedUnix   sql.NullInt64
		rolledBackFlag int
	)
	err := row.Scan(&st.ExecutionID, &status, &st.PlanHash, &stepsJSON, &prestatesJSON,
		&createdUnix, &resolvedUnix, &st.RejectionReason, &rolledBackFlag)
	if err != nil {
		return State{}, err
	}
	st.Status = Status(status)
	st.CreatedAt = time.Unix(createdUnix, 0).UTC()
	if resolvedUnix.Valid {
		t := time.Unix(resolvedUnix.Int64, 0).UTC()
		st.ResolvedAt = &t
	}
	st.RolledBack = rolledBackFlag != 0
	_ = json.Unmarshal([]byte(stepsJSON), &st.PendingStepIDs)
	_ = json.Unmarshal([]byte(prestatesJSON), &st.Prestates)
	return st, nil
}
