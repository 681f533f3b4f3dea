package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	storeerrors "github.com/mailcortex/triage/common/errors"
)

// writeError maps store errors onto HTTP responses. Validation
// failures return the full accumulated error list so a client can fix
// everything in one pass.
func writeError(c echo.Context, err error) error {
	var parseErr *storeerrors.ParseError
	var validationErr *storeerrors.ValidationError
	var notFoundErr *storeerrors.NotFoundError
	var conflictErr *storeerrors.ConflictError
	var integrityErr *storeerrors.IntegrityError

	switch {
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation_failed",
			"errors": validationErr.Errors,
		})

	case errors.As(err, &parseErr):
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "parse_failed",
			"message": parseErr.Error(),
		})

	case errors.As(err, &notFoundErr):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error":   "not_found",
			"kind":    notFoundErr.Kind,
			"id":      notFoundErr.ID,
			"message": notFoundErr.Error(),
		})

	case errors.As(err, &conflictErr):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":                "conflict",
			"rule_id":              conflictErr.RuleID,
			"expected_row_version": conflictErr.ExpectedVersion,
			"message":              "rule was modified concurrently, re-read and retry",
		})

	case errors.As(err, &integrityErr):
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":   "integrity_violation",
			"message": integrityErr.Error(),
		})

	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
