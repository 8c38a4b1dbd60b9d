package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VerifyResult reports bundle verification. Problems is empty on success.
type VerifyResult struct {
	OK       bool     `json:"ok"`
	Files    int      `json:"files"`
	Problems []string `json:"problems,omitempty"`
}

// VerifyBundle independently recomputes every digest in an export bundle,
// plus the manifest's own digest and the receipt chain. It needs no
// network access and nothing from the originating system.
func VerifyBundle(dir string) (VerifyResult, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return VerifyResult{}, fmt.Errorf("missing bundle dir")
	}

	manifestJSON, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return VerifyResult{}, fmt.Errorf("decode manifest: %w", err)
	}

	res := VerifyResult{Files: len(manifest.Files)}
	problem := func(format string, args ...any) {
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
	}

	wantHash, err := manifestHash(manifest)
	if err != nil {
		return VerifyResult{}, err
	}
	if manifest.ManifestHash == "" {
		problem("manifest has no manifest_hash")
	} else if wantHash != manifest.ManifestHash {
		problem("manifest_hash mismatch: recorded %s, recomputed %s", manifest.ManifestHash, wantHash)
	}

	for _, mf := range manifest.Files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(mf.Path)))
		if err != nil {
			problem("%s: %v", mf.Path, err)
			continue
		}
		if int64(len(data)) != mf.Size {
			problem("%s: size %d, manifest records %d", mf.Path, len(data), mf.Size)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != mf.SHA256 {
			problem("%s: digest mismatch", mf.Path)
		}
	}

	if receipts, err := readReceipts(filepath.Join(dir, "receipts.jsonl")); err != nil {
		problem("receipts.jsonl: %v", err)
	} else if err := VerifyChain(receipts, nil); err != nil {
		problem("receipt chain: %v", err)
	}

	res.OK = len(res.Problems) == 0
	return res, nil
}
