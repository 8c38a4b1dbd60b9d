// Package db resolves the local SQLite location shared by the record
// stores. All governance state lives in one file; each store migrates its
// own tables.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/planwarden/internal/pathutil"
)

const defaultFileName = "planwarden.db"

// ResolveSQLiteDSN normalizes a configured SQLite path: expands ~, falls
// back to ~/.planwarden/planwarden.db, and creates the parent directory.
func ResolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("no db.dsn configured and no home directory available")
		}
		dsn = filepath.Join(home, ".planwarden", defaultFileName)
	}
	dsn = pathutil.ExpandHomePath(dsn)

	dir := filepath.Dir(dsn)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create db directory: %w", err)
		}
	}
	return dsn, nil
}
