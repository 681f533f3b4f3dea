package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mailcortex/triage/cmd/triaged/service"
	"github.com/mailcortex/triage/common/logger"
	"github.com/mailcortex/triage/common/models"
)

// ChainHandler handles single-rule edits on stored chains.
type ChainHandler struct {
	chains *service.ChainService
	log    *logger.Logger
}

// NewChainHandler creates a new chain handler
func NewChainHandler(chains *service.ChainService, log *logger.Logger) *ChainHandler {
	return &ChainHandler{chains: chains, log: log}
}

type insertRuleRequest struct {
	AfterRuleID *int64          `json:"after_rule_id"`
	Rule        json.RawMessage `json:"rule"`
}

type moveRuleRequest struct {
	AfterRuleID *int64 `json:"after_rule_id"`
}

type patchRuleRequest struct {
	Patch              json.RawMessage `json:"patch"`
	ExpectedRowVersion *int            `json:"expected_row_version"`
}

// ListRules returns a chain's rules in evaluation order.
// GET /api/v1/chains/:chain/rules?version=N
func (h *ChainHandler) ListRules(c echo.Context) error {
	version, err := optionalVersionParam(c, "version")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_version",
			"message": err.Error(),
		})
	}

	rows, err := h.chains.ListRules(c.Request().Context(), version, c.Param("chain"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"chain": c.Param("chain"),
		"rules": rows,
	})
}

// InsertRule inserts a rule after the given anchor (omit after_rule_id
// to insert at the head).
// POST /api/v1/chains/:chain/rules
func (h *ChainHandler) InsertRule(c echo.Context) error {
	var req insertRuleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": err.Error(),
		})
	}
	if len(req.Rule) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": "missing rule",
		})
	}

	// Decoding enforces the exactly-one-outcome invariant.
	var rule models.Rule
	if err := json.Unmarshal(req.Rule, &rule); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "validation_failed",
			"errors":  []string{err.Error()},
			"message": "invalid rule",
		})
	}

	version, err := optionalVersionParam(c, "version")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_version",
			"message": err.Error(),
		})
	}

	id, err := h.chains.InsertRule(c.Request().Context(), version, c.Param("chain"), req.AfterRuleID, &rule)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"rule_id": id,
		"chain":   c.Param("chain"),
	})
}

// DeleteRule removes a rule and closes the gap around it.
// DELETE /api/v1/rules/:id
func (h *ChainHandler) DeleteRule(c echo.Context) error {
	id, err := ruleIDParam(c)
	if err != nil {
		return err
	}

	if err := h.chains.DeleteRule(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// MoveRule repositions a rule after the given anchor (omit
// after_rule_id to move it to the head). The rule gets a new id.
// POST /api/v1/rules/:id/move
func (h *ChainHandler) MoveRule(c echo.Context) error {
	id, err := ruleIDParam(c)
	if err != nil {
		return err
	}

	var req moveRuleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": err.Error(),
		})
	}

	newID, err := h.chains.MoveRule(c.Request().Context(), id, req.AfterRuleID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"rule_id": newID,
	})
}

// PatchRule applies an RFC 6902 patch to a rule's content. Pass
// expected_row_version to fail with 409 if the rule changed since it
// was read.
// PATCH /api/v1/rules/:id
func (h *ChainHandler) PatchRule(c echo.Context) error {
	id, err := ruleIDParam(c)
	if err != nil {
		return err
	}

	var req patchRuleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": err.Error(),
		})
	}
	if len(req.Patch) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_request",
			"message": "missing patch",
		})
	}

	row, err := h.chains.PatchRule(c.Request().Context(), id, req.Patch, req.ExpectedRowVersion)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, row)
}

func ruleIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "rule id must be an integer")
	}
	return id, nil
}
