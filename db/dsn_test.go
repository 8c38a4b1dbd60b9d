package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSQLiteDSNCreatesParent(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "nested", "state.db")

	got, err := ResolveSQLiteDSN(want)
	if err != nil {
		t.Fatalf("ResolveSQLiteDSN: %v", err)
	}
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Dir(want)); err != nil {
		t.Fatalf("parent directory not created: %v", err)
	}
}

func TestResolveSQLiteDSNDefaultsUnderHome(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	got, err := ResolveSQLiteDSN("")
	if err != nil {
		t.Fatalf("ResolveSQLiteDSN: %v", err)
	}
	if filepath.Base(got) != "planwarden.db" {
		t.Fatalf("default dsn = %q", got)
	}
}
