package engine

import "github.com/gofiber/fiber/v2"

// RegisterAccessRoutes registers the access-check and filtering routes.
// usageGuard runs in front of the usage analytics routes only.
func RegisterAccessRoutes(app *fiber.App, h *Handler, authMW fiber.Handler, usageGuard ...fiber.Handler) {
	access := app.Group("/api/access", authMW)

	access.Post("/check", h.Check)
	access.Post("/records/:resource", h.FilterRecords)
	access.Post("/record/:resource", h.ApplyFields)
	access.Post("/mask", h.Mask)

	usage := access.Group("/usage", usageGuard...)
	usage.Get("/stats", h.UsageStats)
	usage.Get("/trend/:permission", h.UsageTrend)
	usage.Get("/users/:id", h.UserUsage)
}
