package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/quailyquaily/planwarden/confidence"
	"github.com/quailyquaily/planwarden/internal/keylock"
	"github.com/quailyquaily/planwarden/policy"
)

// ErrBaselineExists is returned by Put when a record already exists for the
// fingerprint and no override was requested.
var ErrBaselineExists = errors.New("baseline already exists for fingerprint")

// BaselineRecord is one captured confidence baseline. The store is
// append-only: overrides append a newer record, they never rewrite history.
type BaselineRecord struct {
	Fingerprint   string              `json:"fingerprint"`
	Command       string              `json:"command"`
	PolicyVersion string              `json:"policy_version"`
	AutonomyMode  policy.AutonomyMode `json:"autonomy_mode"`
	CapabilitySet []string            `json:"capability_set,omitempty"`
	Score         int                 `json:"score"`
	Band          confidence.Band     `json:"band"`
	Action        confidence.Action   `json:"action"`
	CapturedAt    time.Time           `json:"captured_at"`
}

func (r BaselineRecord) Summary() confidence.Summary {
	return confidence.Summary{Score: r.Score, Band: r.Band, Action: r.Action}
}

// BaselineStore persists baseline records keyed by fingerprint.
type BaselineStore struct {
	dsn string

	mu    sync.Mutex
	db    *sql.DB
	keys  *keylock.KeyLock
	clock func() time.Time
}

func NewBaselineStore(dsn string) (*BaselineStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &BaselineStore{dsn: dsn, keys: keylock.New(), clock: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *BaselineStore) WithClock(clock func() time.Time) *BaselineStore {
	s.clock = clock
	return s
}

// Put appends a baseline record. Without override it refuses to write when
// any record already exists for the fingerprint.
func (s *BaselineStore) Put(ctx context.Context, rec BaselineRecord, override bool) error {
	if s == nil {
		return fmt.Errorf("nil baseline store")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	fp := strings.TrimSpace(rec.Fingerprint)
	if fp == "" {
		return fmt.Errorf("missing fingerprint")
	}

	s.keys.Lock(fp)
	defer s.keys.Unlock(fp)

	if !override {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM baseline_records WHERE fingerprint = ?`, fp).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrBaselineExists
		}
	}

	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = s.clock().UTC()
	}
	capsJSON, _ := json.Marshal(rec.CapabilitySet)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO baseline_records (
  fingerprint, command, policy_version, autonomy_mode, capability_set_json,
  score, band, action, captured_at_unix
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, fp, strings.TrimSpace(rec.Command), strings.TrimSpace(rec.PolicyVersion), string(rec.AutonomyMode),
		string(capsJSON), rec.Score, string(rec.Band), string(rec.Action), rec.CapturedAt.Unix())
	return err
}

// Latest returns the most recent baseline record for a fingerprint.
func (s *BaselineStore) Latest(ctx context.Context, fingerprint string) (BaselineRecord, bool, error) {
	if s == nil {
		return BaselineRecord{}, false, fmt.Errorf("nil baseline store")
	}
	if err := s.ensureOpen(); err != nil {
		return BaselineRecord{}, false, err
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return BaselineRecord{}, false, nil
	}

	var (
		rec          BaselineRecord
		mode         string
		band         string
		action       string
		capsJSON     string
		capturedUnix int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT fingerprint, command, policy_version, autonomy_mode, capability_set_json,
       score, band, action, captured_at_unix
FROM baseline_records
WHERE fingerprint = ?
ORDER BY id DESC
LIMIT 1
`, fingerprint).Scan(
		&rec.Fingerprint, &rec.Command, &rec.PolicyVersion, &mode, &capsJSON,
		&rec.Score, &band, &action, &capturedUnix,
	)
	if err == sql.ErrNoRows {
		return BaselineRecord{}, false, nil
	}
	if err != nil {
		return BaselineRecord{}, false, err
	}

	rec.AutonomyMode = policy.AutonomyMode(mode)
	rec.Band = confidence.Band(band)
	rec.Action = confidence.Action(action)
	rec.CapturedAt = time.Unix(capturedUnix, 0).UTC()
	_ = json.Unmarshal([]byte(capsJSON), &rec.CapabilitySet)
	return rec, true, nil
}

// History returns every record for a fingerprint, oldest first.
func (s *BaselineStore) History(ctx context.Context, fingerprint string) ([]BaselineRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("nil baseline store")
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT fingerprint, command, policy_version, autonomy_mode, capability_set_json,
       score, band, action, captured_at_unix
FROM baseline_records
WHERE fingerprint = ?
ORDER BY id ASC
`, strings.TrimSpace(fingerprint))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BaselineRecord
	for rows.Next() {
		var (
			rec          BaselineRecord
			mode         string
			band         string
			action       string
			capsJSON     string
			capturedUnix int64
		)
		if err := rows.Scan(&rec.Fingerprint, &rec.Command, &rec.PolicyVersion, &mode, &capsJSON,
			&rec.Score, &band, &action, &capturedUnix); err != nil {
			return nil, err
		}
		rec.AutonomyMode = policy.AutonomyMode(mode)
		rec.Band = confidence.Band(band)
		rec.Action = confidence.Action(action)
		rec.CapturedAt = time.Unix(capturedUnix, 0).UTC()
		_ = json.Unmarshal([]byte(capsJSON), &rec.CapabilitySet)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *BaselineStore) Close() error {
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

func (s *BaselineStore) open() error {
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

func (s *BaselineStore) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	return s.open()
}

func (s *BaselineStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS baseline_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  fingerprint TEXT NOT NULL,
  command TEXT,
  policy_version TEXT,
  autonomy_mode TEXT,
  capability_set_json TEXT,
  score INTEGER NOT NULL,
  band TEXT NOT NULL,
  action TEXT NOT NULL,
  captured_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baseline_records_fingerprint ON baseline_records(fingerprint);
`)
	return err
}
