package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mailcortex/triage/common/logger"
	"github.com/mailcortex/triage/common/versions"
)

// ConfigHandler handles whole-configuration requests: import, export,
// version listing and activation.
type ConfigHandler struct {
	manager *versions.Manager
	log     *logger.Logger
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(manager *versions.Manager, log *logger.Logger) *ConfigHandler {
	return &ConfigHandler{manager: manager, log: log}
}

// Import imports a YAML rule-set document as a new version.
// POST /api/v1/config/import
//
// The body is the raw YAML document. The caller is taken from the
// X-Triage-Caller header; optional notes from the "notes" query
// parameter. Returns 200 with deduplicated=true when an identical
// document was already imported.
func (h *ConfigHandler) Import(c echo.Context) error {
	doc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "read_failed",
			"message": err.Error(),
		})
	}

	createdBy := c.Request().Header.Get("X-Triage-Caller")
	if createdBy == "" {
		createdBy = "api"
	}

	var notes *string
	if n := c.QueryParam("notes"); n != "" {
		notes = &n
	}

	result, err := h.manager.Import(c.Request().Context(), doc, createdBy, notes)
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// Export renders a stored version as canonical YAML.
// GET /api/v1/config/export?version=N
//
// Without a version parameter the active version is exported.
func (h *ConfigHandler) Export(c echo.Context) error {
	version, err := optionalVersionParam(c, "version")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_version",
			"message": err.Error(),
		})
	}

	doc, err := h.manager.Export(c.Request().Context(), version)
	if err != nil {
		return writeError(c, err)
	}

	return c.Blob(http.StatusOK, "application/x-yaml", doc)
}

// ListVersions lists all stored versions, newest first.
// GET /api/v1/config/versions
func (h *ConfigHandler) ListVersions(c echo.Context) error {
	rows, err := h.manager.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"versions": rows,
	})
}

// GetVersion returns one version's metadata.
// GET /api/v1/config/versions/:version
func (h *ConfigHandler) GetVersion(c echo.Context) error {
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_version",
			"message": "version must be an integer",
		})
	}

	row, err := h.manager.Get(c.Request().Context(), version)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, row)
}

// Activate makes an existing version the active one.
// POST /api/v1/config/versions/:version/activate
func (h *ConfigHandler) Activate(c echo.Context) error {
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "bad_version",
			"message": "version must be an integer",
		})
	}

	if err := h.manager.Activate(c.Request().Context(), version); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"version": version,
		"active":  true,
	})
}

// optionalVersionParam parses an optional integer query parameter.
func optionalVersionParam(c echo.Context, name string) (*int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
