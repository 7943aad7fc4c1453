package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dataguard/internal/engine"
	"dataguard/internal/instrument"
	"dataguard/internal/metadata"
	"dataguard/internal/store"
)

// CacheInvalidator drops cached effective permissions after grant changes.
type CacheInvalidator interface {
	Invalidate(userID string)
	InvalidateAll()
}

// Handler manages roles, groups, user grants and policies. Every mutation is
// written to the database first and then applied to the registry.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	cache    CacheInvalidator
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(s *store.Store, reg *metadata.Registry, cache CacheInvalidator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, registry: reg, cache: cache, logger: logger, now: time.Now}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, events *instrument.EventHandler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/roles", h.ListRoles)
	admin.Get("/roles/:id", h.GetRole)
	admin.Put("/roles/:id", h.PutRole)
	admin.Delete("/roles/:id", h.DeleteRole)

	admin.Get("/groups", h.ListGroups)
	admin.Get("/groups/:id", h.GetGroup)
	admin.Put("/groups/:id", h.PutGroup)
	admin.Delete("/groups/:id", h.DeleteGroup)

	admin.Get("/users", h.ListUsers)
	admin.Get("/users/:id", h.GetUser)
	admin.Put("/users/:id", h.PutUser)
	admin.Delete("/users/:id", h.DeleteUser)

	admin.Get("/policies", h.ListPolicies)
	admin.Get("/policies/:id", h.GetPolicy)
	admin.Post("/policies", h.CreatePolicy)
	admin.Put("/policies/:id", h.PutPolicy)
	admin.Delete("/policies/:id", h.DeletePolicy)

	admin.Get("/export", h.Export)
	admin.Post("/import", h.Import)
	admin.Post("/reload", h.Reload)

	if events != nil {
		admin.Get("/events", events.List)
		admin.Get("/events/stats", events.GetStats)
		admin.Get("/events/trace/:traceId", events.GetTrace)
	}
}

// --- Role Endpoints ---

func (h *Handler) ListRoles(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Snapshot().Roles()})
}

func (h *Handler) GetRole(c *fiber.Ctx) error {
	id := c.Params("id")
	role := h.registry.GetRole(id)
	if role == nil {
		return engine.NotFoundError("Role", id)
	}
	return c.JSON(fiber.Map{"data": role})
}

// PutRole creates or replaces a role. System roles cannot be replaced and
// cannot be created through the API.
func (h *Handler) PutRole(c *fiber.Ctx) error {
	id := storedID(c)
	if existing := h.registry.GetRole(id); existing != nil && existing.IsSystem {
		return engine.ForbiddenError("System role " + id + " cannot be modified")
	}

	var role metadata.Role
	if err := c.BodyParser(&role); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	role.ID = id
	role.IsSystem = false
	if err := metadata.ValidateRole(&role); err != nil {
		return validationError(err)
	}

	if err := h.save(c, store.TableRoles, id, &role); err != nil {
		return err
	}
	h.registry.PutRole(&role)
	h.cache.InvalidateAll()
	h.logger.Info("role saved", zap.String("role_id", id))
	return c.JSON(fiber.Map{"data": role})
}

func (h *Handler) DeleteRole(c *fiber.Ctx) error {
	id := c.Params("id")
	if existing := h.registry.GetRole(id); existing != nil && existing.IsSystem {
		return engine.ForbiddenError("System role " + id + " cannot be deleted")
	}
	if err := h.remove(c, store.TableRoles, "Role", id); err != nil {
		return err
	}
	h.registry.DeleteRole(id)
	h.cache.InvalidateAll()
	h.logger.Info("role deleted", zap.String("role_id", id))
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Group Endpoints ---

func (h *Handler) ListGroups(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Snapshot().Groups()})
}

func (h *Handler) GetGroup(c *fiber.Ctx) error {
	id := c.Params("id")
	g := h.registry.GetGroup(id)
	if g == nil {
		return engine.NotFoundError("Permission group", id)
	}
	return c.JSON(fiber.Map{"data": g})
}

func (h *Handler) PutGroup(c *fiber.Ctx) error {
	id := storedID(c)
	var g metadata.PermissionGroup
	if err := c.BodyParser(&g); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	g.ID = id
	if err := metadata.ValidateGroup(&g); err != nil {
		return validationError(err)
	}

	if err := h.save(c, store.TableGroups, id, &g); err != nil {
		return err
	}
	h.registry.PutGroup(&g)
	h.cache.InvalidateAll()
	h.logger.Info("permission group saved", zap.String("group_id", id))
	return c.JSON(fiber.Map{"data": g})
}

func (h *Handler) DeleteGroup(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.remove(c, store.TableGroups, "Permission group", id); err != nil {
		return err
	}
	h.registry.DeleteGroup(id)
	h.cache.InvalidateAll()
	h.logger.Info("permission group deleted", zap.String("group_id", id))
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- User Grant Endpoints ---

func (h *Handler) ListUsers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Snapshot().Users()})
}

func (h *Handler) GetUser(c *fiber.Ctx) error {
	id := c.Params("id")
	u := h.registry.GetUserPermissions(id)
	if u == nil {
		return engine.NotFoundError("User", id)
	}
	return c.JSON(fiber.Map{"data": u})
}

// PutUser replaces a user's grants and bumps LastUpdated, which makes any
// effective set cached before now stale.
func (h *Handler) PutUser(c *fiber.Ctx) error {
	id := storedID(c)
	var u metadata.UserPermissions
	if err := c.BodyParser(&u); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	u.UserID = id
	u.EffectivePermissions = nil
	u.LastUpdated = h.now().UTC()
	if err := metadata.ValidateUser(&u); err != nil {
		return validationError(err)
	}

	if err := h.save(c, store.TableUsers, id, &u); err != nil {
		return err
	}
	h.registry.PutUser(&u)
	h.cache.Invalidate(id)
	h.logger.Info("user grants saved", zap.String("user_id", id))
	return c.JSON(fiber.Map{"data": u})
}

func (h *Handler) DeleteUser(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.remove(c, store.TableUsers, "User", id); err != nil {
		return err
	}
	h.registry.DeleteUser(id)
	h.cache.Invalidate(id)
	h.logger.Info("user grants deleted", zap.String("user_id", id))
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Policy Endpoints ---

func (h *Handler) ListPolicies(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Snapshot().Policies()})
}

func (h *Handler) GetPolicy(c *fiber.Ctx) error {
	id := c.Params("id")
	p := h.registry.Snapshot().GetPolicyByID(id)
	if p == nil {
		return engine.NotFoundError("Policy", id)
	}
	return c.JSON(fiber.Map{"data": p})
}

// CreatePolicy stores a new policy. Without an id in the body one is generated.
func (h *Handler) CreatePolicy(c *fiber.Ctx) error {
	var p metadata.DataAccessPolicy
	if err := c.BodyParser(&p); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	} else if h.registry.Snapshot().GetPolicyByID(p.ID) != nil {
		return engine.ConflictError("Policy " + p.ID + " already exists")
	}
	if err := h.savePolicy(c, &p); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": p})
}

func (h *Handler) PutPolicy(c *fiber.Ctx) error {
	var p metadata.DataAccessPolicy
	if err := c.BodyParser(&p); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}
	p.ID = storedID(c)
	if err := h.savePolicy(c, &p); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": p})
}

func (h *Handler) savePolicy(c *fiber.Ctx, p *metadata.DataAccessPolicy) error {
	if err := metadata.ValidatePolicy(p); err != nil {
		return validationError(err)
	}
	if err := h.save(c, store.TablePolicies, p.ID, p); err != nil {
		return err
	}
	h.registry.PutPolicy(p)
	h.logger.Info("policy saved", zap.String("policy_id", p.ID), zap.Bool("active", p.IsActive))
	return nil
}

func (h *Handler) DeletePolicy(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.remove(c, store.TablePolicies, "Policy", id); err != nil {
		return err
	}
	h.registry.DeletePolicy(id)
	h.logger.Info("policy deleted", zap.String("policy_id", id))
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// --- Export / Import ---

// Export renders the current snapshot as a seed document, YAML unless
// ?format=json is given.
func (h *Handler) Export(c *fiber.Ctx) error {
	seed := metadata.SeedFromSnapshot(h.registry.Snapshot())
	if c.Query("format") == "json" {
		return c.JSON(fiber.Map{"data": seed})
	}
	out, err := seed.Encode()
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/yaml")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="dataguard-policies.yaml"`)
	return c.Send(out)
}

// Import upserts every definition of a YAML (or JSON) seed document, then
// reloads the registry from the database.
func (h *Handler) Import(c *fiber.Ctx) error {
	seed, err := metadata.ParseSeed(c.Body())
	if err != nil {
		return validationError(err)
	}
	now := h.now().UTC()
	for _, u := range seed.Users {
		u.LastUpdated = now
	}

	ctx := c.UserContext()
	if err := metadata.SaveSeed(ctx, h.store, seed); err != nil {
		return fmt.Errorf("import seed: %w", err)
	}
	if err := metadata.LoadAll(ctx, h.store, h.registry, h.logger); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	h.cache.InvalidateAll()

	return c.JSON(fiber.Map{"data": fiber.Map{
		"roles":    len(seed.Roles),
		"groups":   len(seed.Groups),
		"users":    len(seed.Users),
		"policies": len(seed.Policies),
	}})
}

// Reload rereads every definition from the database.
func (h *Handler) Reload(c *fiber.Ctx) error {
	if err := metadata.LoadAll(c.UserContext(), h.store, h.registry, h.logger); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	h.cache.InvalidateAll()
	return c.JSON(fiber.Map{"data": fiber.Map{"version": h.registry.Snapshot().Version}})
}

// storedID copies the :id parameter. Fiber hands out strings backed by the
// request buffer, and these ids outlive the request as registry keys.
func storedID(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("id"))
}

func (h *Handler) save(c *fiber.Ctx, table, id string, v any) error {
	def, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", table, id, err)
	}
	if err := store.PutDefinition(c.UserContext(), h.store.DB, h.store.Dialect, table, id, def); err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

func (h *Handler) remove(c *fiber.Ctx, table, kind, id string) error {
	err := store.DeleteDefinition(c.UserContext(), h.store.DB, h.store.Dialect, table, id)
	if errors.Is(err, store.ErrNotFound) {
		return engine.NotFoundError(kind, id)
	}
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

func validationError(err error) error {
	return engine.ValidationError([]engine.ErrorDetail{{Message: err.Error()}})
}
