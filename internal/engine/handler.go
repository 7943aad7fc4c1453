package engine

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"dataguard/internal/metadata"
)

// Handler exposes the engine over HTTP. The acting user comes from the auth
// middleware; handlers never take a user id from the request body.
type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

type checkRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Check handles POST /api/access/check
func (h *Handler) Check(c *fiber.Ctx) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	var body checkRequest
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}

	resource := metadata.ResourceType(body.Resource)
	action := metadata.PermissionAction(body.Action)
	var details []ErrorDetail
	if !metadata.ValidResource(resource) {
		details = append(details, ErrorDetail{Field: "resource", Rule: "enum", Message: "unknown resource " + body.Resource})
	}
	if !metadata.ValidAction(action) {
		details = append(details, ErrorDetail{Field: "action", Rule: "enum", Message: "unknown action " + body.Action})
	}
	if len(details) > 0 {
		return ValidationError(details)
	}

	d := h.engine.CheckPermission(c.UserContext(), user.ID, resource, action)
	return c.JSON(fiber.Map{"data": d})
}

type recordsRequest struct {
	Records []metadata.Record `json:"records"`
	Context map[string]any    `json:"context"`
}

// FilterRecords handles POST /api/access/records/:resource
func (h *Handler) FilterRecords(c *fiber.Ctx) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	var body recordsRequest
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	out := h.engine.FilterAndMaskRecords(c.UserContext(), user.ID, utils.CopyString(c.Params("resource")), body.Records, body.Context)
	return c.JSON(fiber.Map{"data": out, "meta": fiber.Map{"input": len(body.Records), "returned": len(out)}})
}

type recordRequest struct {
	Record metadata.Record `json:"record"`
}

// ApplyFields handles POST /api/access/record/:resource
func (h *Handler) ApplyFields(c *fiber.Ctx) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	var body recordRequest
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	if body.Record == nil {
		return ValidationError([]ErrorDetail{{Field: "record", Rule: "required", Message: "record is required"}})
	}
	out := h.engine.ApplyFieldControls(c.UserContext(), user.ID, utils.CopyString(c.Params("resource")), body.Record)
	return c.JSON(fiber.Map{"data": out})
}

type maskRequest struct {
	Value    string `json:"value"`
	DataType string `json:"data_type"`
}

// Mask handles POST /api/access/mask
func (h *Handler) Mask(c *fiber.Ctx) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	var body maskRequest
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	masked := h.engine.MaskValue(body.Value, metadata.SensitiveDataType(body.DataType), user.ID)
	return c.JSON(fiber.Map{"data": fiber.Map{"value": masked}})
}

// UsageStats handles GET /api/access/usage/stats
func (h *Handler) UsageStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.engine.PermissionUsageStats(c.QueryInt("limit", 0))})
}

// UsageTrend handles GET /api/access/usage/trend/:permission
func (h *Handler) UsageTrend(c *fiber.Ctx) error {
	perm, err := metadata.ParsePermission(c.Params("permission"))
	if err != nil {
		return ValidationError([]ErrorDetail{{Field: "permission", Rule: "format", Message: err.Error()}})
	}
	return c.JSON(fiber.Map{"data": h.engine.PermissionUsageTrend(perm.String(), c.QueryInt("limit", 0))})
}

// UserUsage handles GET /api/access/usage/users/:id
func (h *Handler) UserUsage(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.engine.UserPermissionUsage(c.Params("id"), c.QueryInt("limit", 0))})
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func requireUser(c *fiber.Ctx) (*metadata.UserContext, error) {
	user := getUser(c)
	if user == nil || user.ID == "" {
		return nil, UnauthorizedError("Authentication required")
	}
	return user, nil
}
