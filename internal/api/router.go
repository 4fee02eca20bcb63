package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/coedit/internal/app"
	iauth "github.com/charlesng35/coedit/internal/auth"
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/handlers"
	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/internal/monitoring"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/services"
)

// Dependencies are the long-lived services the router mounts.
type Dependencies struct {
	Config        *app.Config
	JWT           *iauth.JWTService
	Documents     *services.DocumentService
	Collaborators *services.CollaboratorService
	Presence      presence.Store
	Transport     *collab.Transport
	Health        *monitoring.HealthManager
	// RateStore backs REST rate limits; nil selects process-local counters.
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers the REST and websocket routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Documents == nil || deps.Collaborators == nil {
		return nil, fmt.Errorf("document services must be provided")
	}
	cfg := deps.Config

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))

	registerHealthRoutes(r, cfg, deps.Health)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	requireAuth := middleware.Auth(deps.JWT)

	// Realtime collaboration
	realtimeHandler := handlers.NewRealtimeHandler(deps.Transport)
	r.GET("/ws", requireAuth, realtimeHandler.Stream)

	api := r.Group("/api")
	api.Use(requireAuth)
	api.Use(middleware.RateLimit(deps.RateStore, middleware.RateLimitConfig{
		Requests: cfg.Server.RateLimit.Requests,
		Window:   cfg.Server.RateLimit.Window,
		Key:      middleware.UserOrIPKey,
	}))

	registerDocumentRoutes(api, deps)

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
