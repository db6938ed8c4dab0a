package identity

import (
	"regexp"
	"strings"
)

const maxUsernameLen = 64

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// NormalizeUsername performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername normalizes s and checks it is usable as a relay identity:
// lower-case letters, digits, '_', '.', '-', starting with a letter or digit.
func ValidateUsername(op, s string) (string, error) {
	n := NormalizeUsername(s)
	switch {
	case n == "":
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username is required"}
	case len(n) > maxUsernameLen:
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username too long"}
	case !usernameRe.MatchString(n):
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "username has invalid characters"}
	}
	return n, nil
}
