package container

import (
	"github.com/mailcortex/triage/cmd/triaged/service"
	"github.com/mailcortex/triage/common/bootstrap"
	"github.com/mailcortex/triage/common/ratelimit"
	"github.com/mailcortex/triage/common/repository"
	"github.com/mailcortex/triage/common/versions"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Persistence
	Store *repository.Store

	// Services
	Manager      *versions.Manager
	ChainService *service.ChainService

	// Rate limiting (nil when redis is unavailable)
	RateLimiter *ratelimit.RateLimiter
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	store := repository.NewStore(components.DB)

	// The redis client doubles as the activation event publisher; a
	// nil publisher just disables events.
	var publisher versions.Publisher
	var limiter *ratelimit.RateLimiter
	if components.Redis != nil {
		publisher = components.Redis
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	manager := versions.NewManager(store, components.Cache, publisher, components.Logger)
	chainService := service.NewChainService(components.DB, manager, components.Telemetry, components.Logger)

	return &Container{
		Components:   components,
		Store:        store,
		Manager:      manager,
		ChainService: chainService,
		RateLimiter:  limiter,
	}, nil
}
