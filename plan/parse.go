package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StructuralError reports a malformed plan or command. It is raised on
// ingress, before any policy logic runs, and is never retried.
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	if strings.TrimSpace(e.Field) == "" {
		return "structural error: " + e.Reason
	}
	return fmt.Sprintf("structural error: %s: %s", e.Field, e.Reason)
}

func structuralf(field, format string, args ...any) error {
	return &StructuralError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a YAML plan document and validates it. Validation happens
// here, on ingress; internal logic assumes a well-formed plan.
func Parse(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, &StructuralError{Reason: err.Error()}
	}
	if err := validate(p); err != nil {
		return Plan{}, err
	}
	return normalize(p), nil
}

// Load reads and parses a plan document from path.
func Load(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, &StructuralError{Field: "plan", Reason: err.Error()}
	}
	return Parse(data)
}

// FromCommand derives a minimal single-step plan from free command text.
// Used when the caller evaluates a command without supplying a plan
// document. The derived step is read-only and deterministic for identical
// input.
func FromCommand(command string) (Plan, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Plan{}, structuralf("command", "empty command")
	}
	return Plan{
		Command: command,
		Steps: []Step{
			{
				ID:       "step-1",
				Action:   "shell.preview",
				ReadOnly: true,
			},
		},
	}, nil
}

func validate(p Plan) error {
	if len(p.Steps) == 0 {
		return structuralf("steps", "plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return structuralf(fmt.Sprintf("steps[%d].id", i), "missing step id")
		}
		if seen[s.ID] {
			return structuralf(fmt.Sprintf("steps[%d].id", i), "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Action) == "" {
			return structuralf(fmt.Sprintf("steps[%d].action", i), "missing action")
		}
		if s.Timeout < 0 {
			return structuralf(fmt.Sprintf("steps[%d].timeout", i), "negative timeout")
		}
	}
	return nil
}

func normalize(p Plan) Plan {
	p.Command = strings.TrimSpace(p.Command)
	caps := make([]string, 0, len(p.RequiredCapabilities))
	seen := make(map[string]bool, len(p.RequiredCapabilities))
	for _, c := range p.RequiredCapabilities {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	p.RequiredCapabilities = caps
	return p
}
