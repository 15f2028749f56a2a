package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/narvanalabs/botpanel/internal/models"
)

// envKeyRegex validates environment variable key format.
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const (
	// MaxEnvKeyLength is the maximum allowed length for an environment variable key.
	MaxEnvKeyLength = 256
	// MaxEnvValueLength is the maximum allowed length for an environment variable value (32KB).
	MaxEnvValueLength = 32 * 1024
)

// ValidateEnvKey validates that an environment variable key is usable by the
// daemon: a letter or underscore followed by letters, digits and underscores.
func ValidateEnvKey(key string) error {
	if key == "" {
		return &models.ValidationError{Field: "env", Message: "environment variable key is required"}
	}
	if len(key) > MaxEnvKeyLength {
		return &models.ValidationError{Field: "env", Message: "environment variable key must be 256 characters or less"}
	}
	if !envKeyRegex.MatchString(key) {
		return &models.ValidationError{
			Field:   "env",
			Message: fmt.Sprintf("invalid environment variable key %q", key),
		}
	}
	return nil
}

// ParseEnv parses .env style content ("KEY=value" per line, '#' comments,
// optional "export " prefix, single or double quoted values) into a map and
// validates every key and value.
func ParseEnv(content string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))

		eq := strings.Index(trimmed, "=")
		if eq <= 0 {
			return nil, &models.ValidationError{Field: "env", Message: fmt.Sprintf("expected KEY=value, got %q", trimmed)}
		}
		key := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])
		if len(value) >= 2 {
			switch {
			case value[0] == '"' && value[len(value)-1] == '"':
				value = unescapeValue(value[1 : len(value)-1])
			case value[0] == '\'' && value[len(value)-1] == '\'':
				value = value[1 : len(value)-1]
			}
		}

		if err := ValidateEnvKey(key); err != nil {
			return nil, err
		}
		if len(value) > MaxEnvValueLength {
			return nil, &models.ValidationError{Field: "env", Message: "environment variable value must be 32KB or less"}
		}
		vars[key] = value
	}
	return vars, nil
}

// unescapeValue processes escape sequences of a double-quoted value in one
// pass, so `\\n` stays a literal backslash-n.
func unescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
			continue
		}
		i++
	}
	return b.String()
}
