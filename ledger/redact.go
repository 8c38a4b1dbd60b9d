package ledger

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Redactor strips secrets from exported ledger copies. Field-level: string
// values under sensitive-looking keys, plus value patterns that are
// high-signal regardless of key.
type Redactor struct {
	patterns []namedRe
}

type namedRe struct {
	name string
	re   *regexp.Regexp
}

type RedactionConfig struct {
	Enabled  bool
	Patterns []RegexPattern
}

type RegexPattern struct {
	Name string
	Re   string
}

func NewRedactor(cfg RedactionConfig) *Redactor {
	patterns := []namedRe{
		{"private_key_block", regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)},
		{"jwt_like", regexp.MustCompile(`(?m)\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
		{"bearer_line", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{10,}\b`)},
	}

	if cfg.Enabled {
		for _, p := range cfg.Patterns {
			if strings.TrimSpace(p.Re) == "" {
				continue
			}
			re, err := regexp.Compile(p.Re)
			if err != nil {
				continue
			}
			name := strings.TrimSpace(p.Name)
			if name == "" {
				name = "custom"
			}
			patterns = append(patterns, namedRe{name: name, re: re})
		}
	}
	return &Redactor{patterns: patterns}
}

// RedactString applies value patterns to free text.
func (r *Redactor) RedactString(s string) (string, bool) {
	if r == nil || strings.TrimSpace(s) == "" {
		return s, false
	}
	orig := s
	for _, p := range r.patterns {
		s = p.re.ReplaceAllString(s, "[redacted]")
	}
	return s, s != orig
}

// RedactJSON walks a JSON document and redacts string values whose key
// looks sensitive, then applies value patterns to the remaining strings.
// Non-JSON input is passed through pattern redaction as text.
func (r *Redactor) RedactJSON(data []byte) ([]byte, bool) {
	if r == nil || len(data) == 0 {
		return data, false
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		s, changed := r.RedactString(string(data))
		return []byte(s), changed
	}
	redacted, changed := r.redactValue(doc, false)
	if !changed {
		return data, false
	}
	out, err := json.Marshal(redacted)
	if err != nil {
		return data, false
	}
	return out, true
}

func (r *Redactor) redactValue(v any, sensitiveKey bool) (any, bool) {
	switch x := v.(type) {
	case map[string]any:
		changed := false
		for k, vv := range x {
			nv, c := r.redactValue(vv, isSensitiveKeyLike(k))
			if c {
				changed = true
				x[k] = nv
			}
		}
		return x, changed
	case []any:
		changed := false
		for i, vv := range x {
			nv, c := r.redactValue(vv, sensitiveKey)
			if c {
				changed = true
				x[i] = nv
			}
		}
		return x, changed
	case string:
		if sensitiveKey && strings.TrimSpace(x) != "" {
			return "[redacted]", true
		}
		return r.RedactString(x)
	default:
		return v, false
	}
}

func isSensitiveKeyLike(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	n := strings.ReplaceAll(strings.ReplaceAll(k, "-", ""), "_", "")
	switch {
	case strings.Contains(n, "apikey"):
		return true
	case strings.Contains(n, "authorization"):
		return true
	case strings.Contains(n, "token"):
		return true
	case strings.Contains(n, "secret"):
		return true
	case strings.Contains(n, "password"):
		return true
	case strings.Contains(n, "credential"):
		return true
	}
	return false
}
