package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"dataguard/internal/config"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "test"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestBootstrap_SeedsAdminRole(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	def, err := GetDefinition(ctx, s.DB, s.Dialect, TableRoles, AdminRoleID)
	if err != nil {
		t.Fatalf("expected admin role, got %v", err)
	}
	var role struct {
		Permissions []string `json:"permissions"`
		IsSystem    bool     `json:"is_system"`
	}
	if err := json.Unmarshal(def.JSON, &role); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !role.IsSystem || len(role.Permissions) != 54 {
		t.Fatalf("expected a system role with 54 permissions, got %+v", role)
	}

	// Running again must not duplicate or fail
	if err := s.Bootstrap(ctx, zap.NewNop()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestDefinitions_CRUD(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := PutDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1", []byte(`{"id":"g1","name":"One"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := PutDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1", []byte(`{"id":"g1","name":"Uno"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := PutDefinition(ctx, s.DB, s.Dialect, TableGroups, "g0", []byte(`{"id":"g0","name":"Zero"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	defs, err := ListDefinitions(ctx, s.DB, TableGroups)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 2 || defs[0].ID != "g0" {
		t.Fatalf("expected 2 definitions ordered by id, got %+v", defs)
	}

	def, err := GetDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(def.JSON) != `{"id":"g1","name":"Uno"}` {
		t.Fatalf("expected the upserted definition, got %s", def.JSON)
	}

	if err := DeleteDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := DeleteDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := GetDefinition(ctx, s.DB, s.Dialect, TableGroups, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDefinitions_UnknownTable(t *testing.T) {
	s := newSQLiteStore(t)
	if _, err := ListDefinitions(context.Background(), s.DB, "users; DROP TABLE _roles"); err == nil {
		t.Fatal("expected error for an unknown table")
	}
}

func TestQueryRows_DecodesColumns(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rows, err := QueryRows(ctx, s.DB, "SELECT id, definition, created_at FROM _roles")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != AdminRoleID {
		t.Fatalf("expected the admin row, got %v", rows)
	}
	def, ok := rows[0]["definition"].(map[string]any)
	if !ok || def["id"] != AdminRoleID {
		t.Fatalf("expected the definition column decoded into a document, got %T %v", rows[0]["definition"], rows[0]["definition"])
	}
	if _, ok := rows[0]["created_at"].(time.Time); !ok {
		t.Fatalf("expected created_at as time.Time, got %T", rows[0]["created_at"])
	}
	if _, err := QueryRow(ctx, s.DB, "SELECT id FROM _roles WHERE id = ?1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
