package engine

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dataguard/internal/metadata"
)

// DefaultCacheTTL bounds how long a computed effective set is reused.
const DefaultCacheTTL = 5 * time.Minute

// PolicyStore supplies the read-only definitions the engine evaluates.
// Both *metadata.Registry and *metadata.Snapshot satisfy it.
type PolicyStore interface {
	GetPolicy(resource string) *metadata.DataAccessPolicy
	GetUserPermissions(userID string) *metadata.UserPermissions
	GetRole(id string) *metadata.Role
	GetGroup(id string) *metadata.PermissionGroup
}

// snapshotter is implemented by stores that can hand out a consistent view.
type snapshotter interface {
	Snapshot() *metadata.Snapshot
}

// view pins one consistent view of store for the duration of a call.
func view(store PolicyStore) PolicyStore {
	if s, ok := store.(snapshotter); ok {
		return s.Snapshot()
	}
	return store
}

// Decision is the outcome of a permission check.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

type cacheItem struct {
	perms      metadata.PermissionSet
	computedAt time.Time
}

// PermissionResolver computes effective permission sets and caches them per
// user. An entry is reused only while it is younger than the TTL and not
// older than the user's LastUpdated.
type PermissionResolver struct {
	store   PolicyStore
	ttl     time.Duration
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheItem
	epoch uint64 // bumped by every invalidation
	fill  singleflight.Group
}

func NewPermissionResolver(store PolicyStore, ttl time.Duration, logger *zap.Logger) *PermissionResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionResolver{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheItem),
	}
}

// ResolveEffective returns the user's effective permissions. The returned
// set is shared with the cache and must not be modified.
func (r *PermissionResolver) ResolveEffective(userID string) (metadata.PermissionSet, error) {
	v := view(r.store)
	up := v.GetUserPermissions(userID)
	if up == nil {
		return nil, ErrUnknownUser
	}

	if perms, ok := r.lookup(userID, up.LastUpdated); ok {
		r.metrics.recordCacheLookup(true)
		return perms, nil
	}
	r.metrics.recordCacheLookup(false)

	res, _, _ := r.fill.Do(flightKey(v, up), func() (any, error) {
		if perms, ok := r.lookup(userID, up.LastUpdated); ok {
			return perms, nil
		}
		r.mu.RLock()
		epoch := r.epoch
		r.mu.RUnlock()

		perms := r.compute(v, up)

		r.mu.Lock()
		if r.epoch == epoch {
			r.cache[userID] = cacheItem{perms: perms, computedAt: r.now()}
		}
		r.mu.Unlock()
		return perms, nil
	})
	return res.(metadata.PermissionSet), nil
}

// flightKey scopes a cache fill to the grants and snapshot it was started
// from, so a caller that already sees newer definitions never joins an older fill.
func flightKey(v PolicyStore, up *metadata.UserPermissions) string {
	key := up.UserID + "@" + strconv.FormatInt(up.LastUpdated.UnixNano(), 10)
	if snap, ok := v.(*metadata.Snapshot); ok {
		key += "#" + strconv.FormatUint(snap.Version, 10)
	}
	return key
}

// HasPermission checks one permission. It never fails: unknown users are denied.
func (r *PermissionResolver) HasPermission(userID string, resource metadata.ResourceType, action metadata.PermissionAction) Decision {
	perms, err := r.ResolveEffective(userID)
	if err != nil {
		return Decision{Reason: "unknown user"}
	}
	p := metadata.NewPermission(resource, action)
	if perms.Has(p) {
		return Decision{Granted: true}
	}
	return Decision{Reason: "missing permission " + p.String()}
}

func (r *PermissionResolver) lookup(userID string, lastUpdated time.Time) (metadata.PermissionSet, bool) {
	r.mu.RLock()
	item, ok := r.cache[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if item.computedAt.Before(lastUpdated) || r.now().Sub(item.computedAt) >= r.ttl {
		return nil, false
	}
	return item.perms, true
}

func (r *PermissionResolver) compute(v PolicyStore, up *metadata.UserPermissions) metadata.PermissionSet {
	perms := metadata.NewPermissionSet(up.DirectPermissions...)
	for _, id := range up.Roles {
		role := v.GetRole(id)
		if role == nil {
			r.logger.Warn("user references unknown role",
				zap.String("user_id", up.UserID), zap.String("role_id", id))
			r.metrics.recordRuleWarning("unknown_role")
			continue
		}
		perms.Add(role.Permissions...)
	}
	for _, g := range r.groupClosure(v, up.UserID, up.Groups) {
		perms.Add(g.Permissions...)
	}
	return perms
}

const (
	unvisited = iota
	onPath
	done
)

type groupFrame struct {
	group *metadata.PermissionGroup
	next  int
}

// groupClosure returns every group reachable from roots through ParentGroups,
// each once. It walks with an explicit stack; a parent already on the current
// path is a cycle and is skipped with a warning. Diamonds are not cycles.
func (r *PermissionResolver) groupClosure(v PolicyStore, userID string, roots []string) []*metadata.PermissionGroup {
	state := make(map[string]int)
	var out []*metadata.PermissionGroup

	enter := func(id, from string) *metadata.PermissionGroup {
		g := v.GetGroup(id)
		state[id] = done
		if g == nil {
			fields := []zap.Field{zap.String("user_id", userID), zap.String("group_id", id)}
			if from != "" {
				fields = append(fields, zap.String("child_group_id", from))
			}
			r.logger.Warn("unknown permission group", fields...)
			r.metrics.recordRuleWarning("unknown_group")
			return nil
		}
		state[id] = onPath
		out = append(out, g)
		return g
	}

	for _, root := range roots {
		if state[root] != unvisited {
			continue
		}
		g := enter(root, "")
		if g == nil {
			continue
		}
		stack := []groupFrame{{group: g}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(top.group.ParentGroups) {
				state[top.group.ID] = done
				stack = stack[:len(stack)-1]
				continue
			}
			parentID := top.group.ParentGroups[top.next]
			top.next++

			switch state[parentID] {
			case onPath:
				r.logger.Warn("cycle in permission group inheritance",
					zap.String("user_id", userID),
					zap.String("group_id", top.group.ID),
					zap.String("parent_group_id", parentID))
				r.metrics.recordRuleWarning("group_cycle")
				continue
			case done:
				continue
			}
			if p := enter(parentID, top.group.ID); p != nil {
				stack = append(stack, groupFrame{group: p})
			}
		}
	}
	return out
}

// Invalidate drops the cached set of one user.
func (r *PermissionResolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.epoch++
	r.mu.Unlock()
}

// InvalidateAll drops every cached set, used after role or group edits.
func (r *PermissionResolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheItem)
	r.epoch++
	r.mu.Unlock()
}

// Sweep removes expired entries and returns how many were removed.
func (r *PermissionResolver) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, item := range r.cache {
		if now.Sub(item.computedAt) >= r.ttl {
			delete(r.cache, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (r *PermissionResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
