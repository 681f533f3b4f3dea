package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/mailcortex/triage/cmd/triaged/container"
	"github.com/mailcortex/triage/cmd/triaged/handlers"
	"github.com/mailcortex/triage/common/middleware"
)

// RegisterChainRoutes registers single-rule edit routes.
func RegisterChainRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewChainHandler(c.ChainService, c.Components.Logger)

	mutation := []echo.MiddlewareFunc{}
	if c.RateLimiter != nil && c.Components.Config.RateLimit.Enabled {
		mutation = append(mutation, middleware.MutationRateLimitMiddleware(
			c.RateLimiter,
			c.Components.Config.RateLimit.MutationPerMin,
			c.Components.Config.RateLimit.WindowSeconds,
		))
	}

	chains := e.Group("/api/v1/chains")
	{
		chains.GET("/:chain/rules", h.ListRules)                // GET  /api/v1/chains/main/rules
		chains.POST("/:chain/rules", h.InsertRule, mutation...) // POST /api/v1/chains/main/rules
	}

	rules := e.Group("/api/v1/rules")
	{
		rules.DELETE("/:id", h.DeleteRule, mutation...)    // DELETE /api/v1/rules/42
		rules.POST("/:id/move", h.MoveRule, mutation...)   // POST   /api/v1/rules/42/move
		rules.PATCH("/:id", h.PatchRule, mutation...)      // PATCH  /api/v1/rules/42
	}
}
