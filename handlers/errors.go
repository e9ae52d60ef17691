package handlers

import (
	"errors"
	"net/http"

	"claim-engine/models"

	"github.com/gofiber/fiber/v2"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
		msg = err.Error()
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
		msg = err.Error()
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, models.ErrExternalService):
		status = http.StatusServiceUnavailable
		msg = err.Error()
	}

	return c.Status(status).JSON(errorBody{
		Error:     msg,
		Kind:      models.KindOf(err).String(),
		Retryable: models.IsRetryable(err),
	})
}
