package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/coedit/internal/app"
	"github.com/charlesng35/coedit/internal/handlers"
	"github.com/charlesng35/coedit/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, manager *monitoring.HealthManager) {
	if !cfg.Monitoring.Health.Enabled || manager == nil {
		for _, router := range []gin.IRouter{r, r.Group("/api")} {
			router.GET("/health", handlers.Disabled)
			router.GET("/health/live", handlers.Disabled)
			router.GET("/health/ready", handlers.Disabled)
		}
		return
	}

	handler := handlers.NewHealthHandler(manager)
	for _, router := range []gin.IRouter{r, r.Group("/api")} {
		router.GET("/health", handler.Summary)
		router.GET("/health/live", handler.Live)
		router.GET("/health/ready", handler.Ready)
	}
}
