package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"dataguard/internal/store"
)

// LoadAll reads roles, groups, user grants and policies from the database
// and swaps them into the registry as one snapshot.
func LoadAll(ctx context.Context, s *store.Store, reg *Registry, logger *zap.Logger) error {
	roles, err := loadDefinitions[Role](ctx, s, store.TableRoles, logger)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	groups, err := loadDefinitions[PermissionGroup](ctx, s, store.TableGroups, logger)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	users, err := loadDefinitions[UserPermissions](ctx, s, store.TableUsers, logger)
	if err != nil {
		return fmt.Errorf("load user permissions: %w", err)
	}
	policies, err := loadDefinitions[DataAccessPolicy](ctx, s, store.TablePolicies, logger)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	reg.Load(roles, groups, users, policies)

	logger.Info("loaded policy snapshot into registry",
		zap.Int("roles", len(roles)),
		zap.Int("groups", len(groups)),
		zap.Int("users", len(users)),
		zap.Int("policies", len(policies)))
	return nil
}

func loadDefinitions[T any](ctx context.Context, s *store.Store, table string, logger *zap.Logger) ([]*T, error) {
	defs, err := store.ListDefinitions(ctx, s.DB, table)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(defs))
	for _, d := range defs {
		var v T
		if err := json.Unmarshal(d.JSON, &v); err != nil {
			logger.Warn("skipping definition with invalid JSON",
				zap.String("table", table), zap.String("id", d.ID), zap.Error(err))
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

// SaveSeed writes every entry of the seed to the database in one transaction.
// Existing rows with the same ids are replaced; other rows are left alone.
func SaveSeed(ctx context.Context, s *store.Store, seed *Seed) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	put := func(table, id string, v any) error {
		def, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", table, id, err)
		}
		return store.PutDefinition(ctx, tx, s.Dialect, table, id, def)
	}
	for _, r := range seed.Roles {
		if err := put(store.TableRoles, r.ID, r); err != nil {
			return err
		}
	}
	for _, g := range seed.Groups {
		if err := put(store.TableGroups, g.ID, g); err != nil {
			return err
		}
	}
	for _, u := range seed.Users {
		if err := put(store.TableUsers, u.UserID, u); err != nil {
			return err
		}
	}
	for _, p := range seed.Policies {
		if err := put(store.TablePolicies, p.ID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}
