package ledger

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLedger is a JSONL-backed receipt ledger. Appends are atomic per
// record: a receipt becomes one whole line or no line at all, and append
// order matches the causal order of the decisions recorded.
type FileLedger struct {
	Path           string
	RotateMaxBytes int64

	signer ed25519.PrivateKey
	clock  func() time.Time

	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	size     int64
	lastHash string
}

type LedgerOption func(*FileLedger)

// WithSigner attaches an Ed25519 key; every appended receipt carries a
// detached signature over its chain hash.
func WithSigner(key ed25519.PrivateKey) LedgerOption {
	return func(l *FileLedger) { l.signer = key }
}

// WithLedgerClock overrides the clock for tests.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *FileLedger) { l.clock = clock }
}

// WithRotateMaxBytes caps the active file size; rotation renames the file
// aside, it never mutates records.
func WithRotateMaxBytes(n int64) LedgerOption {
	return func(l *FileLedger) { l.RotateMaxBytes = n }
}

func NewFileLedger(path string, opts ...LedgerOption) (*FileLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing ledger path")
	}
	l := &FileLedger{Path: path, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.openLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append builds, chains, optionally signs, and persists one receipt.
func (l *FileLedger) Append(ctx context.Context, kind, executionID string, payload any) (Receipt, error) {
	_ = ctx
	if l == nil {
		return Receipt{}, fmt.Errorf("nil ledger")
	}
	if strings.TrimSpace(kind) == "" {
		return Receipt{}, fmt.Errorf("missing receipt kind")
	}

	canonical, payloadHash, err := HashPayload(payload)
	if err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Receipt{
		ID:           "rcp_" + uuid.NewString(),
		ExecutionID:  strings.TrimSpace(executionID),
		Kind:         kind,
		Timestamp:    l.clock().UTC(),
		Payload:      canonical,
		PayloadHash:  payloadHash,
		PreviousHash: l.lastHash,
	}

	chainHash, err := rec.Hash()
	if err != nil {
		return Receipt{}, err
	}
	if l.signer != nil {
		sig := ed25519.Sign(l.signer, []byte(chainHash))
		rec.Signature = base64.StdEncoding.EncodeToString(sig)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return Receipt{}, err
	}

	if err := l.rotateIfNeededLocked(int64(len(b)) + 1); err != nil {
		return Receipt{}, err
	}
	if l.w == nil {
		return Receipt{}, fmt.Errorf("ledger is not initialized")
	}
	n, err := l.w.Write(append(b, '\n'))
	if err != nil {
		return Receipt{}, err
	}
	if err := l.w.Flush(); err != nil {
		return Receipt{}, err
	}
	l.size += int64(n)
	l.lastHash = chainHash
	return rec, nil
}

// Since returns receipts at or after cutoff from the active file, in
// append order. A zero cutoff returns everything.
func (l *FileLedger) Since(cutoff time.Time) ([]Receipt, error) {
	if l == nil {
		return nil, fmt.Errorf("nil ledger")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := readReceipts(l.Path)
	if err != nil {
		return nil, err
	}
	if cutoff.IsZero() {
		return all, nil
	}
	var out []Receipt
	for _, r := range all {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Verify walks the active file and checks the hash chain. The first
// receipt may continue a rotated chain, so only its internal consistency
// is checked; every later receipt must link to its predecessor.
func (l *FileLedger) Verify(pub ed25519.PublicKey) error {
	if l == nil {
		return fmt.Errorf("nil ledger")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	receipts, err := readReceipts(l.Path)
	if err != nil {
		return err
	}
	return VerifyChain(receipts, pub)
}

// VerifyChain checks linkage, payload hashes, and (when pub is given)
// signatures across a receipt sequence.
func VerifyChain(receipts []Receipt, pub ed25519.PublicKey) error {
	prev := ""
	for i, r := range receipts {
		if i > 0 && r.PreviousHash != prev {
			return fmt.Errorf("chain broken at receipt %d (%s): previous_hash mismatch", i, r.ID)
		}
		if len(r.Payload) > 0 {
			_, wantHash, err := HashPayload(json.RawMessage(r.Payload))
			if err != nil {
				return fmt.Errorf("receipt %d (%s): %w", i, r.ID, err)
			}
			if wantHash != r.PayloadHash {
				return fmt.Errorf("receipt %d (%s): payload hash mismatch", i, r.ID)
			}
		}
		h, err := r.Hash()
		if err != nil {
			return fmt.Errorf("receipt %d (%s): %w", i, r.ID, err)
		}
		if pub != nil && r.Signature != "" {
			sig, err := base64.StdEncoding.DecodeString(r.Signature)
			if err != nil || !ed25519.Verify(pub, []byte(h), sig) {
				return fmt.Errorf("receipt %d (%s): signature invalid", i, r.ID)
			}
		}
		prev = h
	}
	return nil
}

func (l *FileLedger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.f != nil {
		err := l.f.Close()
		l.f = nil
		l.w = nil
		l.size = 0
		return err
	}
	return nil
}

func (l *FileLedger) openLocked() error {
	dir := filepath.Dir(l.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	// Recover the chain head from the existing file so appends continue
	// the chain after restart.
	existing, err := readReceipts(l.Path)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		l.lastHash = GenesisHash
	} else {
		h, err := existing[len(existing)-1].Hash()
		if err != nil {
			return err
		}
		l.lastHash = h
	}

	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if st, err := f.Stat(); err == nil {
		l.size = st.Size()
	}
	l.f = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (l *FileLedger) rotateIfNeededLocked(addBytes int64) error {
	if l.RotateMaxBytes <= 0 {
		return nil
	}
	if l.size+addBytes <= l.RotateMaxBytes {
		return nil
	}

	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.f != nil {
		_ = l.f.Close()
	}

	ts := l.clock().UTC().Format("20060102T150405Z")
	rotated := fmt.Sprintf("%s.%s", l.Path, ts)
	if err := os.Rename(l.Path, rotated); err != nil {
		return l.reopenLocked()
	}
	l.f = nil
	l.w = nil
	l.size = 0
	return l.reopenLocked()
}

// reopenLocked reopens the active file without resetting the in-memory
// chain head, so the chain continues across rotations.
func (l *FileLedger) reopenLocked() error {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if st, err := f.Stat(); err == nil {
		l.size = st.Size()
	}
	l.f = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func readReceipts(path string) ([]Receipt, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Receipt
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Receipt
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("corrupt receipt line: %w", err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
