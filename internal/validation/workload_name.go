package validation

import (
	"regexp"
	"strings"

	"github.com/narvanalabs/botpanel/internal/models"
)

// MaxWorkloadNameLength bounds workload names so they stay valid as directory
// names and daemon process names.
const MaxWorkloadNameLength = 63

// workloadNameRegex validates a sanitized workload name:
// - Must start and end with a lowercase letter or digit
// - Single '-', '_' or '.' separators may appear between them
var workloadNameRegex = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)

// SanitizeWorkloadName normalizes a user-supplied name into a safe filesystem
// and process-name token. Letters are lowercased, whitespace counts as a
// hyphen and any other character outside [a-z0-9._-] is dropped. A run of
// separators keeps only its first one, and separators at either end are
// trimmed. Names carrying path separators, NUL bytes or ".." are rejected
// outright instead of being rewritten into something else.
func SanitizeWorkloadName(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &models.ValidationError{Field: "name", Message: "workload name is required"}
	}
	if strings.ContainsAny(raw, "/\\\x00") || strings.Contains(raw, "..") {
		return "", &models.ValidationError{Field: "name", Message: "workload name must not contain path separators or '..'"}
	}

	var (
		b   strings.Builder
		sep rune
	)
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if sep != 0 {
				b.WriteRune(sep)
				sep = 0
			}
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '_' || r == ' ' || r == '\t':
			if sep == 0 && b.Len() > 0 {
				if r == ' ' || r == '\t' {
					r = '-'
				}
				sep = r
			}
		}
	}

	name := b.String()
	if err := ValidateWorkloadName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateWorkloadName checks that name is already in sanitized form.
func ValidateWorkloadName(name string) error {
	if name == "" {
		return &models.ValidationError{Field: "name", Message: "workload name is required"}
	}
	if len(name) > MaxWorkloadNameLength {
		return &models.ValidationError{Field: "name", Message: "workload name must be 63 characters or less"}
	}
	if !workloadNameRegex.MatchString(name) {
		return &models.ValidationError{
			Field:   "name",
			Message: "workload name must be lowercase letters and digits joined by single '-', '_' or '.' separators",
		}
	}
	return nil
}
