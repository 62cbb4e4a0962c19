package identity

import (
	"fmt"
	"slices"
	"strings"
)

// Role is a closed set of authorization tags.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleSuperUser Role = "super-user"
)

var knownRoles = []Role{RoleUser, RoleAdmin, RoleSuperUser}

// DefaultRoles is what a fresh registration receives when no roles are given.
func DefaultRoles() []Role { return []Role{RoleUser} }

// ParseRole accepts a known role tag (case-insensitive, trimmed).
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(knownRoles, r) {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ParseRoles parses every tag and returns the normalized set.
func ParseRoles(tags []string) ([]Role, error) {
	out := make([]Role, 0, len(tags))
	for _, t := range tags {
		r, err := ParseRole(t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return NormalizeRoles(out), nil
}

// NormalizeRoles returns a sorted, de-duplicated copy. Empty input yields DefaultRoles.
func NormalizeRoles(in []Role) []Role {
	if len(in) == 0 {
		return DefaultRoles()
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// HasAnyRole reports whether held and required intersect. There is no hierarchy:
// admin does not imply user.
func HasAnyRole(held []Role, required ...Role) bool {
	for _, r := range required {
		if slices.Contains(held, r) {
			return true
		}
	}
	return false
}

// RoleStrings converts roles for storage and JSON.
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
