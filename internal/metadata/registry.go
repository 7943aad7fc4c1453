package metadata

import (
	"sort"
	"strings"
	"sync"
)

// Snapshot is an immutable view of roles, groups, user grants and policies.
// Values returned from its getters are shared and must be treated as read-only.
type Snapshot struct {
	Version uint64

	roles              map[string]*Role
	groups             map[string]*PermissionGroup
	users              map[string]*UserPermissions
	policies           map[string]*DataAccessPolicy // keyed by policy id
	policiesByResource map[string]*DataAccessPolicy // merged active rules, keyed by resource
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		roles:              make(map[string]*Role),
		groups:             make(map[string]*PermissionGroup),
		users:              make(map[string]*UserPermissions),
		policies:           make(map[string]*DataAccessPolicy),
		policiesByResource: make(map[string]*DataAccessPolicy),
	}
}

// GetRole returns the role with the given id, or nil.
func (s *Snapshot) GetRole(id string) *Role { return s.roles[id] }

// GetGroup returns the permission group with the given id, or nil.
func (s *Snapshot) GetGroup(id string) *PermissionGroup { return s.groups[id] }

// GetUserPermissions returns the grants of a user, or nil for an unknown user.
func (s *Snapshot) GetUserPermissions(userID string) *UserPermissions { return s.users[userID] }

// GetPolicy returns the rules of every active policy that mention resource,
// merged into one policy, or nil when none do.
func (s *Snapshot) GetPolicy(resource string) *DataAccessPolicy {
	return s.policiesByResource[resource]
}

// GetPolicyByID returns a stored policy (active or not), or nil.
func (s *Snapshot) GetPolicyByID(id string) *DataAccessPolicy { return s.policies[id] }

func (s *Snapshot) Roles() []*Role {
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) Groups() []*PermissionGroup {
	out := make([]*PermissionGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) Users() []*UserPermissions {
	out := make([]*UserPermissions, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Snapshot) Policies() []*DataAccessPolicy {
	out := make([]*DataAccessPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) clone() *Snapshot {
	c := emptySnapshot()
	c.Version = s.Version
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.policies {
		c.policies[k] = v
	}
	return c
}

// indexPolicies rebuilds the per-resource merged view from the policy set.
func (s *Snapshot) indexPolicies() {
	s.policiesByResource = make(map[string]*DataAccessPolicy)
	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sources := make(map[string][]string)
	for _, id := range ids {
		p := s.policies[id]
		if !p.IsActive {
			continue
		}
		for _, resource := range p.Resources() {
			merged := s.policiesByResource[resource]
			if merged == nil {
				merged = &DataAccessPolicy{IsActive: true}
				s.policiesByResource[resource] = merged
			}
			sources[resource] = append(sources[resource], p.ID)
			for _, f := range p.FieldAccessControls {
				if f.Resource == resource {
					merged.FieldAccessControls = append(merged.FieldAccessControls, f)
				}
			}
			for _, r := range p.RowAccessControls {
				if r.Resource == resource {
					merged.RowAccessControls = append(merged.RowAccessControls, r)
				}
			}
		}
	}
	for resource, merged := range s.policiesByResource {
		merged.ID = strings.Join(sources[resource], ",")
		if len(sources[resource]) == 1 {
			p := s.policies[sources[resource][0]]
			merged.Name = p.Name
			merged.Description = p.Description
		} else {
			merged.Name = resource + " (merged)"
		}
	}
}

// Registry holds the current Snapshot and swaps it atomically on every change,
// so a resolution in progress never observes a partial update.
type Registry struct {
	mu      sync.RWMutex
	current *Snapshot
}

func NewRegistry() *Registry {
	return &Registry{current: emptySnapshot()}
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) GetRole(id string) *Role            { return r.Snapshot().GetRole(id) }
func (r *Registry) GetGroup(id string) *PermissionGroup { return r.Snapshot().GetGroup(id) }
func (r *Registry) GetUserPermissions(userID string) *UserPermissions {
	return r.Snapshot().GetUserPermissions(userID)
}
func (r *Registry) GetPolicy(resource string) *DataAccessPolicy {
	return r.Snapshot().GetPolicy(resource)
}

// Load replaces everything in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(roles []*Role, groups []*PermissionGroup, users []*UserPermissions, policies []*DataAccessPolicy) {
	next := emptySnapshot()
	for _, role := range roles {
		next.roles[role.ID] = role
	}
	for _, g := range groups {
		next.groups[g.ID] = g
	}
	for _, u := range users {
		next.users[u.UserID] = u
	}
	for _, p := range policies {
		next.policies[p.ID] = p
	}
	next.indexPolicies()
	r.swap(next)
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.swap(emptySnapshot())
}

func (r *Registry) PutRole(role *Role) {
	r.update(func(s *Snapshot) { s.roles[role.ID] = role })
}

func (r *Registry) DeleteRole(id string) {
	r.update(func(s *Snapshot) { delete(s.roles, id) })
}

func (r *Registry) PutGroup(g *PermissionGroup) {
	r.update(func(s *Snapshot) { s.groups[g.ID] = g })
}

func (r *Registry) DeleteGroup(id string) {
	r.update(func(s *Snapshot) { delete(s.groups, id) })
}

func (r *Registry) PutUser(u *UserPermissions) {
	r.update(func(s *Snapshot) { s.users[u.UserID] = u })
}

func (r *Registry) DeleteUser(userID string) {
	r.update(func(s *Snapshot) { delete(s.users, userID) })
}

func (r *Registry) PutPolicy(p *DataAccessPolicy) {
	r.update(func(s *Snapshot) { s.policies[p.ID] = p })
}

func (r *Registry) DeletePolicy(id string) {
	r.update(func(s *Snapshot) { delete(s.policies, id) })
}

func (r *Registry) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.current.clone()
	fn(next)
	next.indexPolicies()
	next.Version = r.current.Version + 1
	r.current = next
}

func (r *Registry) swap(next *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next.Version = r.current.Version + 1
	r.current = next
}
