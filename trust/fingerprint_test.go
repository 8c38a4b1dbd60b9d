package trust

import (
	"testing"

	"github.com/quailyquaily/planwarden/policy"
)

func TestFingerprintStability(t *testing.T) {
	a, err := Fingerprint("Sync  Contacts", "v1", policy.ModeApprovalGated, []string{"contacts", "sheets"})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint("  sync contacts ", "v1", policy.ModeApprovalGated, []string{"sheets", "contacts", "contacts"})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("whitespace/case/dup variants fingerprint differently:\n%s\n%s", a, b)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base, _ := Fingerprint("sync contacts", "v1", policy.ModeApprovalGated, []string{"contacts"})

	cases := []struct {
		name string
		fp   func() (string, error)
	}{
		{"policy_version", func() (string, error) {
			return Fingerprint("sync contacts", "v2", policy.ModeApprovalGated, []string{"contacts"})
		}},
		{"autonomy_mode", func() (string, error) {
			return Fingerprint("sync contacts", "v1", policy.ModeFull, []string{"contacts"})
		}},
		{"capability_set", func() (string, error) {
			return Fingerprint("sync contacts", "v1", policy.ModeApprovalGated, []string{"contacts", "gmail"})
		}},
		{"command_text", func() (string, error) {
			return Fingerprint("sync invoices", "v1", policy.ModeApprovalGated, []string{"contacts"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.fp()
			if err != nil {
				t.Fatalf("Fingerprint: %v", err)
			}
			if got == base {
				t.Fatalf("changing %s did not change the fingerprint", tc.name)
			}
		})
	}
}

func TestNormalizeCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Send   Weekly\tDigest ", "send weekly digest"},
		{"simple", "simple"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeCommand(tc.in); got != tc.want {
			t.Fatalf("NormalizeCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
