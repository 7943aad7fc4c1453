package engine

import (
	"sort"
	"sync"
	"time"

	"dataguard/internal/metadata"
)

const trendBucketLayout = "2006-01"

type permissionUsage struct {
	count    int64
	lastUsed time.Time
	users    []string // distinct, in first-use order
	seen     map[string]struct{}
	// buckets keeps month buckets in arrival order; counts only grow.
	buckets []*monthBucket
}

type monthBucket struct {
	month string
	count int64
}

type userUsage struct {
	permission string
	count      int64
	lastUsed   time.Time
}

// UsageTracker aggregates permission-check events in memory. Counters only
// grow until Reset; nothing survives a restart.
type UsageTracker struct {
	mu    sync.Mutex
	now   func() time.Time
	perms map[string]*permissionUsage
	order []string // permissions in first-use order, breaks count ties
	users map[string][]*userUsage
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		now:   time.Now,
		perms: make(map[string]*permissionUsage),
		users: make(map[string][]*userUsage),
	}
}

// Log records one use of permission by userID.
func (t *UsageTracker) Log(userID, permission string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	pu, ok := t.perms[permission]
	if !ok {
		pu = &permissionUsage{seen: make(map[string]struct{})}
		t.perms[permission] = pu
		t.order = append(t.order, permission)
	}
	pu.count++
	pu.lastUsed = now
	if _, ok := pu.seen[userID]; !ok {
		pu.seen[userID] = struct{}{}
		pu.users = append(pu.users, userID)
	}

	month := now.UTC().Format(trendBucketLayout)
	if n := len(pu.buckets); n > 0 && pu.buckets[n-1].month == month {
		pu.buckets[n-1].count++
	} else {
		found := false
		for _, b := range pu.buckets {
			if b.month == month {
				b.count++
				found = true
				break
			}
		}
		if !found {
			pu.buckets = append(pu.buckets, &monthBucket{month: month, count: 1})
		}
	}

	var uu *userUsage
	for _, u := range t.users[userID] {
		if u.permission == permission {
			uu = u
			break
		}
	}
	if uu == nil {
		uu = &userUsage{permission: permission}
		t.users[userID] = append(t.users[userID], uu)
	}
	uu.count++
	uu.lastUsed = now
}

// Stats returns per-permission aggregates, most used first. Ties keep the
// order in which permissions were first used. limit <= 0 means all.
func (t *UsageTracker) Stats(limit int) []metadata.PermissionUsageStats {
	t.mu.Lock()
	out := make([]metadata.PermissionUsageStats, 0, len(t.order))
	for _, p := range t.order {
		pu := t.perms[p]
		last := pu.lastUsed
		out = append(out, metadata.PermissionUsageStats{
			Permission: p,
			Count:      pu.count,
			LastUsed:   &last,
			Users:      append([]string(nil), pu.users...),
		})
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return head(out, limit)
}

// Trend returns monthly counts for permission in ascending month order,
// keeping the most recent limit months when limit > 0.
func (t *UsageTracker) Trend(permission string, limit int) []metadata.PermissionUsageTrend {
	t.mu.Lock()
	var out []metadata.PermissionUsageTrend
	if pu, ok := t.perms[permission]; ok {
		out = make([]metadata.PermissionUsageTrend, 0, len(pu.buckets))
		for _, b := range pu.buckets {
			out = append(out, metadata.PermissionUsageTrend{Date: b.month, Permission: permission, Count: b.count})
		}
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// UserUsage returns the user's per-permission counts, most used first.
func (t *UsageTracker) UserUsage(userID string, limit int) []metadata.UserPermissionUsage {
	t.mu.Lock()
	entries := t.users[userID]
	out := make([]metadata.UserPermissionUsage, 0, len(entries))
	for _, u := range entries {
		out = append(out, metadata.UserPermissionUsage{
			UserID:     userID,
			Permission: u.permission,
			Count:      u.count,
			LastUsed:   u.lastUsed,
		})
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return head(out, limit)
}

// Reset discards every aggregate.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	t.perms = make(map[string]*permissionUsage)
	t.order = nil
	t.users = make(map[string][]*userUsage)
	t.mu.Unlock()
}

func head[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
