package metadata

import "time"

// PermissionUsageStats aggregates every logged use of one permission.
type PermissionUsageStats struct {
	Permission string     `json:"permission"`
	Count      int64      `json:"count"`
	LastUsed   *time.Time `json:"last_used"`
	Users      []string   `json:"users"`
}

// PermissionUsageTrend is the use count of a permission in one calendar month ("2006-01").
type PermissionUsageTrend struct {
	Date       string `json:"date"`
	Permission string `json:"permission"`
	Count      int64  `json:"count"`
}

// UserPermissionUsage is one user's use count of one permission.
type UserPermissionUsage struct {
	UserID     string    `json:"user_id"`
	Permission string    `json:"permission"`
	Count      int64     `json:"count"`
	LastUsed   time.Time `json:"last_used"`
}
