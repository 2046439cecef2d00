// Package supervisor generates the managed file server's configuration,
// imports it through the server's own CLI, and keeps the server process
// running.
package supervisor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// childLogPrefix matches the timestamp the managed server prepends to its
// log lines. Stripped before re-logging so timestamps do not double up.
var childLogPrefix = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} `)

// hashPassword returns the bcrypt hash the managed server expects in its
// users file.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// validatePassword reports whether password matches the bcrypt hash.
func validatePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// removeTrailingUnderscore renames map keys ending in "_" by dropping the
// final underscore, recursively. Field names that collide with reserved
// words carry the underscore in Go and lose it in the rendered JSON.
func removeTrailingUnderscore(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, inner := range val {
			key = strings.TrimSuffix(key, "_")
			out[key] = removeTrailingUnderscore(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = removeTrailingUnderscore(inner)
		}
		return out
	default:
		return v
	}
}

// cleanLogLine strips the child's timestamp prefix and capitalizes the
// remainder for re-logging.
func cleanLogLine(line string) string {
	line = childLogPrefix.ReplaceAllString(line, "")
	if line == "" {
		return line
	}
	runes := []rune(line)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// ordinal formats n as "1st", "2nd", "3rd", "4th", ...
func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
