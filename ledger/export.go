package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

const manifestName = "manifest.json"

// ManifestFile describes one exported file.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest lists every file in an export bundle plus its own digest.
// Immutable once written; verified by recomputing all digests offline.
type Manifest struct {
	Version      string         `json:"version"`
	ExportedAt   time.Time      `json:"exported_at"`
	Cutoff       *time.Time     `json:"cutoff,omitempty"`
	Files        []ManifestFile `json:"files"`
	ManifestHash string         `json:"manifest_hash,omitempty"`
}

// Exhibit is one supporting ledger copied into a bundle, such as the
// approvals table or trust status dump.
type Exhibit struct {
	Name string
	Data []byte
}

// ExportOptions drives bundle creation.
type ExportOptions struct {
	// Cutoff filters receipts: only those at or after it are exported.
	Cutoff time.Time

	// Exhibits are copied under exhibits/ with optional redaction.
	Exhibits []Exhibit

	// PolicySnapshot is written as policy_snapshot.yaml.
	PolicySnapshot any

	// Artifacts is an arbitrary list written as artifacts.json.
	Artifacts []string

	// Redactor, when set, strips secrets from exhibit copies. The receipt
	// chain itself is exported verbatim so its hashes keep verifying.
	Redactor *Redactor

	Clock func() time.Time
}

// Export writes a self-contained bundle into dir: filtered receipts,
// redacted exhibit copies, policy snapshot, artifact list, and a manifest
// over all of it. Source records are copied, never mutated.
func Export(l *FileLedger, dir string, opts ExportOptions) (Manifest, error) {
	if l == nil {
		return Manifest{}, fmt.Errorf("nil ledger")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Manifest{}, fmt.Errorf("missing export dir")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	if err := os.MkdirAll(filepath.Join(dir, "exhibits"), 0o700); err != nil {
		return Manifest{}, err
	}

	files := make(map[string][]byte)

	receipts, err := l.Since(opts.Cutoff)
	if err != nil {
		return Manifest{}, err
	}
	var lines []byte
	for _, r := range receipts {
		b, err := json.Marshal(r)
		if err != nil {
			return Manifest{}, err
		}
		lines = append(lines, b...)
		lines = append(lines, '\n')
	}
	files["receipts.jsonl"] = lines

	for _, ex := range opts.Exhibits {
		name := strings.TrimSpace(ex.Name)
		if name == "" {
			continue
		}
		data := ex.Data
		if opts.Redactor != nil {
			data, _ = opts.Redactor.RedactJSON(data)
		}
		files[filepath.Join("exhibits", name)] = data
	}

	if opts.PolicySnapshot != nil {
		snap, err := yaml.Marshal(opts.PolicySnapshot)
		if err != nil {
			return Manifest{}, fmt.Errorf("marshal policy snapshot: %w", err)
		}
		files["policy_snapshot.yaml"] = snap
	}

	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	files["artifacts.json"] = artifactsJSON

	manifest := Manifest{
		Version:    "1",
		ExportedAt: clock().UTC(),
	}
	if !opts.Cutoff.IsZero() {
		c := opts.Cutoff.UTC()
		manifest.Cutoff = &c
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		data := files[p]
		sum := sha256.Sum256(data)
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:   filepath.ToSlash(p),
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(data)),
		})
		if err := os.WriteFile(filepath.Join(dir, p), data, 0o600); err != nil {
			return Manifest{}, err
		}
	}

	hash, err := manifestHash(manifest)
	if err != nil {
		return Manifest{}, err
	}
	manifest.ManifestHash = hash

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), manifestJSON, 0o600); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// manifestHash digests the manifest with its own hash field empty.
func manifestHash(m Manifest) (string, error) {
	m.ManifestHash = ""
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
