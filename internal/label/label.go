// Package label provides filesystem-safe sanitization of vault and key
// labels, and its best-effort inverse used by recovery analysis.
package label

import (
	"errors"
	"strings"
)

const maxLabelLen = 200

var ErrEmptyLabel = errors.New("label is empty or contains only invalid characters")

// invalid filesystem characters replaced by the separator
const invalidChars = `/\:*?"<>|`

// Sanitize converts a user-supplied label into a filesystem-safe name:
// non-ASCII characters are dropped, invalid filesystem characters and
// spaces become hyphens, runs of separators collapse into one, and the
// result is trimmed and capped at 200 characters.
//
//	"My Family Vault"  -> "My-Family-Vault"
func Sanitize(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrEmptyLabel
	}

	var b strings.Builder
	lastSep := false
	for _, r := range trimmed {
		if r > 127 {
			continue
		}
		if r == ' ' || r == '-' || strings.ContainsRune(invalidChars, r) {
			if !lastSep {
				b.WriteByte('-')
				lastSep = true
			}
			continue
		}
		b.WriteRune(r)
		lastSep = false
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "", ErrEmptyLabel
	}
	if len(out) > maxLabelLen {
		out = out[:maxLabelLen]
	}
	// Avoid producing Unix hidden files.
	if strings.HasPrefix(out, ".") {
		out = "vault-" + strings.TrimPrefix(out, ".")
	}
	return out, nil
}

// Desanitize inverts the space-to-hyphen substitution for display.
// The inversion is ambiguous for labels that contained literal hyphens;
// when the input does not look like a sanitized label it is returned
// unchanged rather than guessed at.
//
//	"Sam-Family-Vault" -> "Sam Family Vault"
func Desanitize(sanitized string) string {
	if sanitized == "" {
		return sanitized
	}
	// A leading/trailing or doubled hyphen never survives Sanitize, so
	// such input is not ours to invert.
	if strings.HasPrefix(sanitized, "-") || strings.HasSuffix(sanitized, "-") || strings.Contains(sanitized, "--") {
		return sanitized
	}
	return strings.ReplaceAll(sanitized, "-", " ")
}
