package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tables holding JSON definitions, one row per id.
const (
	TableRoles    = "_roles"
	TableGroups   = "_permission_groups"
	TableUsers    = "_user_permissions"
	TablePolicies = "_access_policies"
)

var definitionTables = map[string]bool{
	TableRoles: true, TableGroups: true, TableUsers: true, TablePolicies: true,
}

// Definition is one stored JSON document.
type Definition struct {
	ID   string
	JSON []byte
}

func checkTable(table string) error {
	if !definitionTables[table] {
		return fmt.Errorf("unknown definition table %q", table)
	}
	return nil
}

// ListDefinitions returns every definition in table ordered by id.
func ListDefinitions(ctx context.Context, q Querier, table string) ([]Definition, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT id, definition FROM %s ORDER BY id", table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var d Definition
		if err := rows.Scan(&d.ID, &d.JSON); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// GetDefinition returns one definition or ErrNotFound.
func GetDefinition(ctx context.Context, q Querier, d Dialect, table, id string) (Definition, error) {
	if err := checkTable(table); err != nil {
		return Definition{}, err
	}
	pb := d.NewParamBuilder()
	def := Definition{ID: id}
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT definition FROM %s WHERE id = %s", table, pb.Add(id)),
		pb.Params()...).Scan(&def.JSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return def, nil
}

// PutDefinition inserts or replaces the definition stored under id.
func PutDefinition(ctx context.Context, q Querier, d Dialect, table, id string, def []byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO %s (id, definition) VALUES (%s, %s) ON CONFLICT (id) DO UPDATE SET definition = excluded.definition, updated_at = %s",
		table, pb.Add(id), pb.Add(string(def)), d.NowExpr())
	if _, err := Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("put %s %s: %w", table, id, MapError(d, err))
	}
	return nil
}

// DeleteDefinition removes the definition stored under id. It returns
// ErrNotFound when nothing was deleted.
func DeleteDefinition(ctx context.Context, q Querier, d Dialect, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	pb := d.NewParamBuilder()
	n, err := Exec(ctx, q, fmt.Sprintf("DELETE FROM %s WHERE id = %s", table, pb.Add(id)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
