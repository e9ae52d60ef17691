package handlers

import (
	"claim-engine/models"
	"claim-engine/services"

	"github.com/gofiber/fiber/v2"
)

type releaseRequest struct {
	Reason models.ReleaseReason `json:"reason"`
}

type statusRequest struct {
	PRURL  string `json:"pr_url"`
	Merged bool   `json:"merged"`
}

// Services groups what the routes drive.
type Services struct {
	Claims        *services.ClaimService
	Contributions *services.ContributionService
	Scanner       *services.ScannerService
	Achievements  *services.AchievementService
	Scheduler     *services.Scheduler
}

// SetupAdminRoutes registers operator endpoints: forced transitions, the PR
// status webhook, run-now sweeps and catalog seeding.
func SetupAdminRoutes(r fiber.Router, svc Services) {
	r.Post("/contributions/status", func(c *fiber.Ctx) error {
		var req statusRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, models.Invalid("update status", "invalid request body"))
		}
		res, err := svc.Contributions.UpdateStatus(c.UserContext(), req.PRURL, req.Merged)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	r.Post("/issues/:id/release", func(c *fiber.Ctx) error {
		req := releaseRequest{Reason: models.ReasonUserRequested}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return writeError(c, models.Invalid("release", "invalid request body"))
			}
		}
		released, err := svc.Claims.Release(c.UserContext(), c.Params("id"), req.Reason)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"released": released})
	})

	r.Post("/issues/:id/close", func(c *fiber.Ctx) error {
		res, err := svc.Scanner.SweepClosedUpstream(c.UserContext(), []string{c.Params("id")})
		if err != nil {
			return writeError(c, err)
		}
		if len(res.Errors) > 0 {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(res)
		}
		return c.JSON(res)
	})

	r.Post("/issues/:id/reopen", func(c *fiber.Ctx) error {
		reopened, err := svc.Claims.Reopen(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"reopened": reopened})
	})

	r.Post("/sweeps/:kind", func(c *fiber.Ctx) error {
		kind, err := services.ParseSweepKind(c.Params("kind"))
		if err != nil {
			return writeError(c, err)
		}
		res, err := svc.Scheduler.Run(c.UserContext(), kind)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	r.Post("/achievements/seed", func(c *fiber.Ctx) error {
		n, err := svc.Achievements.SeedCatalog(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"seeded": n})
	})
}
