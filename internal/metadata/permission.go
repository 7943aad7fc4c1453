package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceType is one of the closed set of resources a permission can target.
type ResourceType string

const (
	ResourceUser       ResourceType = "user"
	ResourceRole       ResourceType = "role"
	ResourcePermission ResourceType = "permission"
	ResourceReport     ResourceType = "report"
	ResourceDashboard  ResourceType = "dashboard"
	ResourceWorksheet  ResourceType = "worksheet"
	ResourceRecord     ResourceType = "record"
	ResourceAuditLog   ResourceType = "audit_log"
	ResourceSetting    ResourceType = "setting"
)

// PermissionAction is one of the closed set of actions.
type PermissionAction string

const (
	ActionCreate  PermissionAction = "create"
	ActionRead    PermissionAction = "read"
	ActionUpdate  PermissionAction = "update"
	ActionDelete  PermissionAction = "delete"
	ActionManage  PermissionAction = "manage"
	ActionApprove PermissionAction = "approve"
)

var validResources = map[ResourceType]bool{
	ResourceUser: true, ResourceRole: true, ResourcePermission: true,
	ResourceReport: true, ResourceDashboard: true, ResourceWorksheet: true,
	ResourceRecord: true, ResourceAuditLog: true, ResourceSetting: true,
}

var validActions = map[PermissionAction]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true,
	ActionDelete: true, ActionManage: true, ActionApprove: true,
}

// ValidResource reports whether r belongs to the closed resource set.
func ValidResource(r ResourceType) bool { return validResources[r] }

// ValidAction reports whether a belongs to the closed action set.
func ValidAction(a PermissionAction) bool { return validActions[a] }

// Permission is an immutable (resource, action) pair rendered as "resource:action".
type Permission struct {
	Resource ResourceType
	Action   PermissionAction
}

// NewPermission builds a Permission without validating it.
func NewPermission(resource ResourceType, action PermissionAction) Permission {
	return Permission{Resource: resource, Action: action}
}

func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// Valid reports whether both halves belong to their closed sets.
func (p Permission) Valid() bool {
	return ValidResource(p.Resource) && ValidAction(p.Action)
}

// ParsePermission parses the canonical "resource:action" form.
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Permission{}, fmt.Errorf("invalid permission %q: expected resource:action", s)
	}
	p := Permission{Resource: ResourceType(resource), Action: PermissionAction(action)}
	if !ValidResource(p.Resource) {
		return Permission{}, fmt.Errorf("invalid permission %q: unknown resource %q", s, resource)
	}
	if !ValidAction(p.Action) {
		return Permission{}, fmt.Errorf("invalid permission %q: unknown action %q", s, action)
	}
	return p, nil
}

// MustParsePermission is ParsePermission for literals known to be valid.
func MustParsePermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

// MarshalText renders the canonical form so permissions serialize as plain
// strings in JSON and YAML.
func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	parsed, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PermissionSet is a de-duplicated set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet returns a set holding perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAll reports whether every perm is held. An empty list is trivially held.
func (s PermissionSet) HasAll(perms []Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one perm is held. An empty list is never held.
func (s PermissionSet) HasAny(perms []Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Union adds every member of other to s.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	c.Union(s)
	return c
}

// Sorted returns the members ordered by their canonical string.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Strings returns the sorted canonical forms.
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = p.String()
	}
	return out
}
