package metadata

import (
	"encoding/json"
	"testing"
)

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("report:read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Resource != ResourceReport || p.Action != ActionRead {
		t.Fatalf("expected report/read, got %+v", p)
	}
	if p.String() != "report:read" {
		t.Fatalf("expected report:read, got %s", p.String())
	}

	for _, bad := range []string{"report", "spaceship:read", "report:fly", ""} {
		if _, err := ParsePermission(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestPermission_JSON(t *testing.T) {
	role := Role{ID: "r", Name: "R", Permissions: []Permission{MustParsePermission("user:manage")}}
	out, err := json.Marshal(role)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Role
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Permissions) != 1 || back.Permissions[0] != MustParsePermission("user:manage") {
		t.Fatalf("expected user:manage, got %v", back.Permissions)
	}

	if err := json.Unmarshal([]byte(`{"permissions":["user:fly"]}`), &back); err == nil {
		t.Fatal("expected error for invalid permission string")
	}
}

func TestPermissionSet(t *testing.T) {
	read := MustParsePermission("report:read")
	manage := MustParsePermission("user:manage")
	s := NewPermissionSet(read, read)

	if len(s) != 1 {
		t.Fatalf("expected duplicates to collapse, got %d", len(s))
	}
	if !s.HasAll(nil) {
		t.Fatal("expected an empty requirement to be held")
	}
	if s.HasAny(nil) {
		t.Fatal("expected an empty exemption list to never match")
	}
	if s.HasAll([]Permission{read, manage}) {
		t.Fatal("expected HasAll to fail with one missing")
	}
	if !s.HasAny([]Permission{read, manage}) {
		t.Fatal("expected HasAny to match one held")
	}

	c := s.Clone()
	c.Add(manage)
	if s.Has(manage) {
		t.Fatal("expected Clone to be independent")
	}
	got := c.Strings()
	if len(got) != 2 || got[0] != "report:read" || got[1] != "user:manage" {
		t.Fatalf("expected sorted strings, got %v", got)
	}
}
