package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// AdminRoleID is the system role seeded into an empty database.
const AdminRoleID = "admin"

var (
	seedResources = []string{"user", "role", "permission", "report", "dashboard", "worksheet", "record", "audit_log", "setting"}
	seedActions   = []string{"create", "read", "update", "delete", "manage", "approve"}
)

// Bootstrap creates the system tables if they do not exist and seeds the
// admin system role into an empty role table.
func (s *Store) Bootstrap(ctx context.Context, logger *zap.Logger) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminRole(ctx, logger); err != nil {
		return fmt.Errorf("seed admin role: %w", err)
	}
	return nil
}

func (s *Store) seedAdminRole(ctx context.Context, logger *zap.Logger) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _roles").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	perms := make([]string, 0, len(seedResources)*len(seedActions))
	for _, r := range seedResources {
		for _, a := range seedActions {
			perms = append(perms, r+":"+a)
		}
	}
	def, err := json.Marshal(map[string]any{
		"id":          AdminRoleID,
		"name":        "Administrator",
		"description": "Full access to every resource",
		"permissions": perms,
		"is_system":   true,
	})
	if err != nil {
		return err
	}
	if err := PutDefinition(ctx, s.DB, s.Dialect, TableRoles, AdminRoleID, def); err != nil {
		return err
	}

	logger.Warn("seeded system role; grant it to an operator user before exposing the admin API",
		zap.String("role_id", AdminRoleID))
	return nil
}
