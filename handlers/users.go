package handlers

import (
	"claim-engine/middleware"
	"claim-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupUserRoutes registers stats and achievement views. ":id" may be "me".
func SetupUserRoutes(r fiber.Router, contributions *services.ContributionService, achievements *services.AchievementService) {
	r.Get("/achievements", func(c *fiber.Ctx) error {
		catalog, err := achievements.Catalog(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"achievements": catalog})
	})

	users := r.Group("/users/:id")

	users.Get("/contributions", func(c *fiber.Ctx) error {
		list, err := contributions.ListByUser(c.UserContext(), targetUser(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"contributions": list})
	})

	users.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := contributions.Stats(c.UserContext(), targetUser(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(stats)
	})

	users.Get("/achievements", func(c *fiber.Ctx) error {
		progress, err := achievements.UserProgress(c.UserContext(), targetUser(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"achievements": progress})
	})

	users.Get("/achievements/stats", func(c *fiber.Ctx) error {
		stats, err := achievements.Stats(c.UserContext(), targetUser(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(stats)
	})
}

func targetUser(c *fiber.Ctx) string {
	if id := c.Params("id"); id != "me" {
		return id
	}
	return middleware.UserID(c)
}
