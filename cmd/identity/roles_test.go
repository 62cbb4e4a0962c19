package identity

import (
	"slices"
	"testing"
)

func TestParseRoles(t *testing.T) {
	got, err := ParseRoles([]string{" Admin", "user", "admin"})
	if err != nil {
		t.Fatalf("ParseRoles: %v", err)
	}
	want := []Role{RoleAdmin, RoleUser}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	if _, err := ParseRoles([]string{"root"}); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestNormalizeRoles_EmptyDefaultsToUser(t *testing.T) {
	if got := NormalizeRoles(nil); !slices.Equal(got, []Role{RoleUser}) {
		t.Fatalf("got %v", got)
	}
}

func TestHasAnyRole_NoHierarchy(t *testing.T) {
	cases := []struct {
		held     []Role
		required []Role
		want     bool
	}{
		{[]Role{RoleUser}, []Role{RoleUser}, true},
		{[]Role{RoleUser}, []Role{RoleAdmin}, false},
		{[]Role{RoleAdmin}, []Role{RoleUser}, false},
		{[]Role{RoleAdmin}, []Role{RoleAdmin, RoleSuperUser}, true},
		{[]Role{RoleSuperUser}, []Role{RoleAdmin}, false},
		{nil, []Role{RoleUser}, false},
	}
	for _, tc := range cases {
		if got := HasAnyRole(tc.held, tc.required...); got != tc.want {
			t.Fatalf("HasAnyRole(%v, %v) = %v, want %v", tc.held, tc.required, got, tc.want)
		}
	}
}

func TestNormalizeEmailAndValidate(t *testing.T) {
	if got := NormalizeEmail("  A@X.COM "); got != "a@x.com" {
		t.Fatalf("NormalizeEmail = %q", got)
	}
	for _, ok := range []string{"a@x.com", "first.last+tag@example.org"} {
		if !ValidEmail(ok) {
			t.Fatalf("ValidEmail(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "a", "a@", "A <a@x.com>", "a@x.com b"} {
		if ValidEmail(bad) {
			t.Fatalf("ValidEmail(%q) = true", bad)
		}
	}
}
