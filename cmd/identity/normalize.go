package identity

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxEmailLen    = 254
	maxFullNameLen = 120
)

// NormalizeEmail performs case-insensitive canonicalization.
// Note: only trim + lower-case. "A@X.COM " and "a@x.com" are the same account.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeFullName trims and collapses inner whitespace runs.
func NormalizeFullName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ValidEmail reports whether an already-normalized email is a bare addr-spec.
// Display-name forms ("A <a@x.com>") are rejected.
func ValidEmail(email string) bool {
	if email == "" || len(email) > maxEmailLen {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && addr.Name == ""
}

// ValidFullName reports whether a normalized full name is acceptable.
func ValidFullName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n > 0 && n <= maxFullNameLen
}
