package metadata

import "time"

// Role is a named bundle of permissions. System roles are not user-editable.
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	IsSystem    bool         `json:"is_system" yaml:"is_system"`
}

// PermissionGroup holds permissions plus the ids of the groups it inherits from.
type PermissionGroup struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []Permission `json:"permissions" yaml:"permissions"`
	ParentGroups []string     `json:"parent_groups,omitempty" yaml:"parent_groups,omitempty"`
}

// UserPermissions records everything granted to one user. Bumping LastUpdated
// invalidates any effective set cached before that instant.
type UserPermissions struct {
	UserID               string       `json:"user_id" yaml:"user_id"`
	Roles                []string     `json:"roles" yaml:"roles"`
	Groups               []string     `json:"groups" yaml:"groups"`
	DirectPermissions    []Permission `json:"direct_permissions" yaml:"direct_permissions"`
	EffectivePermissions []Permission `json:"effective_permissions,omitempty" yaml:"-"`
	LastUpdated          time.Time    `json:"last_updated" yaml:"last_updated"`
}
