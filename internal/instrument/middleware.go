package instrument

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"dataguard/internal/metadata"
)

// Middleware sets up tracing for each request. It generates (or propagates)
// a trace ID, creates a root HTTP span, and injects the instrumenter into
// the request context for downstream handlers. A nil buffer disables it.
func Middleware(buffer *EventBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if buffer == nil {
			return c.Next()
		}

		traceID := utils.CopyString(c.Get("X-Trace-ID"))
		if traceID == "" {
			traceID = newUUID()
		}

		ctx := c.UserContext()
		instrumenter := NewInstrumenter(buffer)
		ctx = WithTraceID(ctx, traceID)
		ctx = WithInstrumenter(ctx, instrumenter)

		ctx, span := instrumenter.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)

		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		// auth middleware runs downstream and sets c.Locals("user")
		if user, ok := c.Locals("user").(*metadata.UserContext); ok && user != nil {
			span.SetMetadata("user_id", user.ID)
		}

		statusCode := c.Response().StatusCode()
		span.SetMetadata("status_code", statusCode)
		if statusCode >= 400 || err != nil {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		return err
	}
}
