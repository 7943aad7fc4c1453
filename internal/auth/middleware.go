package auth

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"dataguard/internal/engine"
	"dataguard/internal/instrument"
	"dataguard/internal/metadata"
)

// AuthMiddleware returns a Fiber middleware that validates JWT tokens
// and sets the UserContext on the request.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &metadata.UserContext{ID: claims.Subject})
		c.SetUserContext(instrument.WithUserID(c.UserContext(), claims.Subject))

		return c.Next()
	}
}

// PermissionChecker decides whether a user holds a permission.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID string, resource metadata.ResourceType, action metadata.PermissionAction) engine.Decision
}

// RequirePermission lets the request through only when the authenticated
// user holds resource:action.
func RequirePermission(checker PermissionChecker, resource metadata.ResourceType, action metadata.PermissionAction) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if d := checker.CheckPermission(c.UserContext(), user.ID, resource, action); !d.Granted {
			return engine.ForbiddenError("Permission denied")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
