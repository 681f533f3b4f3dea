package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mailcortex/triage/cmd/triaged/container"
	"github.com/mailcortex/triage/cmd/triaged/routes"
	"github.com/mailcortex/triage/common/bootstrap"
	"github.com/mailcortex/triage/common/db"
	"github.com/mailcortex/triage/common/metrics"
	"github.com/mailcortex/triage/common/repository"
	"github.com/mailcortex/triage/common/server"
	"github.com/mailcortex/triage/common/versions"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, redis, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "triaged",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.EnsureSchema(ctx, database)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap triaged: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, serviceContainer)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Log activation events from every instance, not just the one that
	// served the request.
	if components.Redis != nil {
		go watchActivations(ctx, components)
	}

	components.Logger.Info("Starting triaged", metrics.GetSystemInfo().LogFields()...)

	// Start server with graceful shutdown
	srv := server.New("triaged", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		components.Shutdown(ctx)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ctx echo.Context) error {
		if err := c.Components.Health(ctx.Request().Context()); err != nil {
			return ctx.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return ctx.JSON(200, map[string]any{
			"status":  "ok",
			"service": "triaged",
			"system":  metrics.GetSystemInfo(),
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterConfigRoutes(e, serviceContainer)
	routes.RegisterChainRoutes(e, serviceContainer)
}

// watchActivations subscribes to the activation channel and logs each
// event that lands.
func watchActivations(ctx context.Context, components *bootstrap.Components) {
	sub := components.Redis.Subscribe(ctx, versions.ActivationChannel)
	defer sub.Close()

	for msg := range sub.Channel() {
		var event versions.ActivationEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			components.Logger.Warn("malformed activation event", "error", err)
			continue
		}
		components.Logger.Info("configuration activated",
			"config_version", event.Version,
			"content_hash", event.ContentHash,
			"event_id", event.EventID)
	}
}
