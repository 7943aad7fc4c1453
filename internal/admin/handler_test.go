package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dataguard/internal/config"
	"dataguard/internal/engine"
	"dataguard/internal/metadata"
	"dataguard/internal/store"
)

type testEnv struct {
	app      *fiber.App
	store    *store.Store
	registry *metadata.Registry
	resolver *engine.PermissionResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "admin"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s, reg, zap.NewNop()); err != nil {
		t.Fatalf("load: %v", err)
	}
	resolver := engine.NewPermissionResolver(reg, time.Hour, nil)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			t.Logf("unexpected handler error: %v", err)
			return c.SendStatus(fiber.StatusInternalServerError)
		},
	})
	RegisterAdminRoutes(app, NewHandler(s, reg, resolver, nil), nil)
	return &testEnv{app: app, store: s, registry: reg, resolver: resolver}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestAdmin_SystemRoleIsProtected(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "PUT", "/api/_admin/roles/"+store.AdminRoleID, `{"name":"Hijacked","permissions":[]}`)
	if status != 403 {
		t.Fatalf("expected 403 when replacing a system role, got %d", status)
	}
	status, _ = env.do(t, "DELETE", "/api/_admin/roles/"+store.AdminRoleID, "")
	if status != 403 {
		t.Fatalf("expected 403 when deleting a system role, got %d", status)
	}
}

func TestAdmin_RoleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "PUT", "/api/_admin/roles/analyst", `{"name":"Analyst","permissions":["report:read"],"is_system":true}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	role := env.registry.GetRole("analyst")
	if role == nil || role.IsSystem {
		t.Fatalf("expected a non-system role in the registry, got %+v", role)
	}

	status, _ = env.do(t, "PUT", "/api/_admin/roles/bad", `{"name":"Bad","permissions":["report:fly"]}`)
	if status != 400 && status != 422 {
		t.Fatalf("expected a client error for an invalid permission, got %d", status)
	}

	status, _ = env.do(t, "DELETE", "/api/_admin/roles/analyst", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	status, _ = env.do(t, "DELETE", "/api/_admin/roles/analyst", "")
	if status != 404 {
		t.Fatalf("expected 404 on second delete, got %d", status)
	}
}

func TestAdmin_PutUserInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "PUT", "/api/_admin/users/alice", `{"roles":[],"groups":[],"direct_permissions":["report:read"]}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if d := env.resolver.HasPermission("alice", metadata.ResourceReport, metadata.ActionRead); !d.Granted {
		t.Fatal("expected alice to hold report:read")
	}

	status, _ = env.do(t, "PUT", "/api/_admin/users/alice", `{"roles":["admin"],"groups":[],"direct_permissions":[]}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if d := env.resolver.HasPermission("alice", metadata.ResourceSetting, metadata.ActionManage); !d.Granted {
		t.Fatal("expected the new role to be visible immediately")
	}
	if env.registry.GetUserPermissions("alice").LastUpdated.IsZero() {
		t.Fatal("expected last_updated to be stamped")
	}
}

func TestAdmin_StoredIDsSurviveLaterRequests(t *testing.T) {
	env := newTestEnv(t)

	if status, _ := env.do(t, "PUT", "/api/_admin/users/alice", `{"roles":[],"groups":[],"direct_permissions":["report:read"]}`); status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if status, _ := env.do(t, "PUT", "/api/_admin/roles/viewer", `{"name":"Viewer","permissions":["report:read"]}`); status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	for i := 0; i < 5; i++ {
		env.do(t, "GET", "/api/_admin/users/zzzzz", "")
		env.do(t, "GET", "/api/_admin/roles/qqqqqq", "")
	}

	u := env.registry.GetUserPermissions("alice")
	if u == nil || u.UserID != "alice" {
		t.Fatalf("expected alice to stay registered, got %+v", u)
	}
	if r := env.registry.GetRole("viewer"); r == nil || r.ID != "viewer" {
		t.Fatalf("expected role viewer to stay registered, got %+v", r)
	}
	if d := env.resolver.HasPermission("alice", metadata.ResourceReport, metadata.ActionRead); !d.Granted {
		t.Fatalf("expected alice to keep report:read, got %+v", d)
	}
}

func TestAdmin_Policies(t *testing.T) {
	env := newTestEnv(t)
	body := `{"id":"reports","name":"Reports","is_active":true,
		"row_access_controls":[{"resource":"report","required_permissions":["report:read"],
			"conditions":[{"field":"owner","operator":"eq","value":"$user.id"}]}],
		"field_access_controls":[]}`

	status, raw := env.do(t, "POST", "/api/_admin/policies", body)
	if status != 201 {
		t.Fatalf("expected 201, got %d: %s", status, raw)
	}
	if env.registry.GetPolicy("report") == nil {
		t.Fatal("expected the policy to be indexed for report")
	}

	status, _ = env.do(t, "POST", "/api/_admin/policies", body)
	if status != 409 {
		t.Fatalf("expected 409 for a duplicate id, got %d", status)
	}

	status, raw = env.do(t, "POST", "/api/_admin/policies", `{"name":"Generated","is_active":false,"row_access_controls":[],"field_access_controls":[]}`)
	if status != 201 {
		t.Fatalf("expected 201, got %d", status)
	}
	var created struct {
		Data metadata.DataAccessPolicy `json:"data"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.Data.ID == "" {
		t.Fatalf("expected a generated id, got %s", raw)
	}

	status, _ = env.do(t, "POST", "/api/_admin/policies", `{"id":"x","name":"X","is_active":true,
		"row_access_controls":[{"resource":"report","conditions":[{"field":"a","operator":"like","value":1}]}]}`)
	if status != 422 {
		t.Fatalf("expected 422 for an unsupported operator, got %d", status)
	}
}

func TestAdmin_ImportExportReload(t *testing.T) {
	env := newTestEnv(t)
	seed := `
roles:
  - id: analyst
    name: Analyst
    permissions: [report:read]
users:
  - user_id: alice
    roles: [analyst]
    groups: []
    direct_permissions: []
`
	status, raw := env.do(t, "POST", "/api/_admin/import", seed)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, raw)
	}
	if env.registry.GetUserPermissions("alice") == nil {
		t.Fatal("expected alice after import")
	}

	status, raw = env.do(t, "GET", "/api/_admin/export", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if _, err := metadata.ParseSeed(raw); err != nil {
		t.Fatalf("expected export to parse as a seed: %v", err)
	}

	// A change written straight to the database shows up after reload
	def := []byte(`{"id":"viewer","name":"Viewer","permissions":["dashboard:read"]}`)
	if err := store.PutDefinition(context.Background(), env.store.DB, env.store.Dialect, store.TableRoles, "viewer", def); err != nil {
		t.Fatalf("put: %v", err)
	}
	status, _ = env.do(t, "POST", "/api/_admin/reload", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if env.registry.GetRole("viewer") == nil {
		t.Fatal("expected reload to pick up the new role")
	}

	status, _ = env.do(t, "POST", "/api/_admin/import", "roles: [")
	if status != 422 {
		t.Fatalf("expected 422 for a malformed seed, got %d", status)
	}
}
