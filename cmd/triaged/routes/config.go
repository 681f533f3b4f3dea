package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/mailcortex/triage/cmd/triaged/container"
	"github.com/mailcortex/triage/cmd/triaged/handlers"
	"github.com/mailcortex/triage/common/middleware"
)

// RegisterConfigRoutes registers configuration import/export and
// version management routes.
func RegisterConfigRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewConfigHandler(c.Manager, c.Components.Logger)

	cfg := e.Group("/api/v1/config")
	{
		importHandlers := []echo.MiddlewareFunc{}
		if c.RateLimiter != nil && c.Components.Config.RateLimit.Enabled {
			importHandlers = append(importHandlers, middleware.ImportRateLimitMiddleware(
				c.RateLimiter,
				c.Components.Config.RateLimit.ImportPerMin,
				c.Components.Config.RateLimit.WindowSeconds,
			))
		}

		cfg.POST("/import", h.Import, importHandlers...)           // POST /api/v1/config/import
		cfg.GET("/export", h.Export)                               // GET  /api/v1/config/export?version=3
		cfg.GET("/versions", h.ListVersions)                       // GET  /api/v1/config/versions
		cfg.GET("/versions/:version", h.GetVersion)                // GET  /api/v1/config/versions/3
		cfg.POST("/versions/:version/activate", h.Activate)        // POST /api/v1/config/versions/3/activate
	}
}
