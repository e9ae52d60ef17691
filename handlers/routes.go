package handlers

import (
	"claim-engine/middleware"

	"github.com/gofiber/fiber/v2"
)

// Register mounts every route. Everything except /healthz needs a user
// context; /admin additionally needs the admin role.
func Register(app *fiber.App, svc Services) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	secured := app.Group("/", middleware.UserContext())
	SetupIssueRoutes(secured, svc.Claims, svc.Contributions)
	SetupUserRoutes(secured, svc.Contributions, svc.Achievements)

	// the "/" group's UserContext already runs for /admin
	admin := app.Group("/admin", middleware.RequireAdmin())
	SetupAdminRoutes(admin, svc)
}
