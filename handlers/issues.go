package handlers

import (
	"time"

	"claim-engine/middleware"
	"claim-engine/models"
	"claim-engine/services"

	"github.com/gofiber/fiber/v2"
)

// claimRequest carries an optional tier override. Only admins may set it;
// everyone else gets the lease of the issue's own tier.
type claimRequest struct {
	Difficulty string `json:"difficulty"`
}

type extendRequest struct {
	Extra string `json:"extra"` // Go duration, e.g. "48h"
}

type submitRequest struct {
	PRURL string `json:"pr_url"`
}

// SetupIssueRoutes registers the claim lifecycle endpoints on a router that
// already carries the user context.
func SetupIssueRoutes(r fiber.Router, claims *services.ClaimService, contributions *services.ContributionService) {
	r.Get("/issues", func(c *fiber.Ctx) error {
		issues, err := claims.ListIssues(c.UserContext(), models.IssueStatus(c.Query("status")), c.QueryInt("limit", 50))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"issues": issues})
	})

	r.Get("/issues/:id", func(c *fiber.Ctx) error {
		issue, err := claims.GetIssue(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(issue)
	})

	r.Get("/issues/:id/history", func(c *fiber.Ctx) error {
		events, err := claims.History(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"events": events})
	})

	r.Post("/issues/:id/claim", func(c *fiber.Ctx) error {
		var req claimRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return writeError(c, models.Invalid("claim", "invalid request body"))
			}
		}
		if !middleware.IsAdmin(c) {
			req.Difficulty = ""
		}
		res, err := claims.Claim(c.UserContext(), c.Params("id"), middleware.UserID(c), req.Difficulty)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	})

	r.Post("/issues/:id/release", func(c *fiber.Ctx) error {
		released, err := claims.ReleaseByUser(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"released": released})
	})

	r.Post("/issues/:id/extend", func(c *fiber.Ctx) error {
		var req extendRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, models.Invalid("extend", "invalid request body"))
		}
		extra, err := time.ParseDuration(req.Extra)
		if err != nil {
			return writeError(c, models.Invalid("extend", "extra must be a duration like 48h"))
		}
		res, err := claims.Extend(c.UserContext(), c.Params("id"), middleware.UserID(c), extra)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	r.Post("/issues/:id/submit", func(c *fiber.Ctx) error {
		var req submitRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, models.Invalid("submit", "invalid request body"))
		}
		res, err := contributions.Submit(c.UserContext(), c.Params("id"), middleware.UserID(c), req.PRURL)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(res)
	})
}
