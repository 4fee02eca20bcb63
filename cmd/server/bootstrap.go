package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/api"
	"github.com/charlesng35/coedit/internal/app"
	"github.com/charlesng35/coedit/internal/app/maintenance"
	iauth "github.com/charlesng35/coedit/internal/auth"
	"github.com/charlesng35/coedit/internal/cache"
	"github.com/charlesng35/coedit/internal/collab"
	"github.com/charlesng35/coedit/internal/database"
	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/internal/monitoring"
	"github.com/charlesng35/coedit/internal/monitoring/checks"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/realtime"
	"github.com/charlesng35/coedit/internal/services"
	"github.com/charlesng35/coedit/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     *cache.RedisStore
	Presence  presence.Store
	Hub       *realtime.Hub
	Gateway   *collab.Gateway
	Cleaner   *maintenance.Cleaner
	Health    *monitoring.HealthManager
	RateStore middleware.RateStore
	Router    *gin.Engine
}

// bootstrapRuntime initialises storage, presence, the realtime gateway, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig())
		if redisErr != nil {
			log.Warn("redis unavailable; falling back to in-process presence", zap.Error(redisErr))
		} else {
			stack.Redis = cache.NewRedisStore(client)
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	var shared cache.Store
	presenceOpts := cfg.Collaboration.PresenceOptions()
	if stack.Redis != nil {
		shared = stack.Redis
		stack.Presence = presence.NewRedisStore(stack.Redis.Client(), presenceOpts)
		stack.RateStore = middleware.NewCacheRateStore(stack.Redis)
	} else {
		shared = cache.NewMemoryStore()
		stack.Presence = presence.NewMemoryStore(presenceOpts)
		stack.RateStore = middleware.NewMemoryRateStore()
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	audit, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	documents, err := services.NewDocumentService(stack.DB, services.WithAudit(audit))
	if err != nil {
		return nil, fmt.Errorf("initialise document service: %w", err)
	}

	collaborators, err := services.NewCollaboratorService(stack.DB, documents)
	if err != nil {
		return nil, fmt.Errorf("initialise collaborator service: %w", err)
	}

	users, err := services.NewUserService(stack.DB, services.WithDisplayNameCache(shared, cfg.Collaboration.DisplayNameTTL))
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	stack.Hub = realtime.NewHub()
	stack.Gateway = collab.NewGateway(stack.Hub, stack.Presence, documents, users, cfg.Collaboration.GatewayOptions())
	if err := stack.Gateway.Start(ctx); err != nil {
		return nil, err
	}
	transport := collab.NewTransport(stack.Gateway, cfg.Collaboration.TransportOptions(cfg.Server.AllowedOrigins))

	var sweeper presence.Sweeper
	if s, ok := stack.Presence.(presence.Sweeper); ok {
		sweeper = s
	}
	stack.Cleaner = maintenance.NewCleaner(sweeper, stack.Hub,
		maintenance.WithSweepSchedule(cfg.Maintenance.PresenceSweep),
		maintenance.WithAuditSchedule(cfg.Maintenance.RoomAudit),
		maintenance.WithAuditRetention(audit, cfg.Maintenance.AuditRetention),
		maintenance.WithRetentionSchedule(cfg.Maintenance.AuditCleanup),
	)
	if cfg.Maintenance.Enabled {
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Health = buildHealthManager(cfg, stack)

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:        cfg,
		JWT:           jwtSvc,
		Documents:     documents,
		Collaborators: collaborators,
		Presence:      stack.Presence,
		Transport:     transport,
		Health:        stack.Health,
		RateStore:     stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func buildHealthManager(cfg *app.Config, stack *runtimeStack) *monitoring.HealthManager {
	timeout := cfg.Monitoring.Health.Timeout
	manager := monitoring.NewHealthManager(timeout)

	manager.RegisterLiveness(checks.Rooms(stack.Hub))

	manager.RegisterReadiness(checks.Database(stack.DB, timeout))
	if stack.Redis != nil {
		manager.RegisterReadiness(checks.Redis(stack.Redis, true, timeout))
	} else {
		manager.RegisterReadiness(checks.Redis(nil, cfg.Cache.Redis.Enabled, timeout))
	}
	manager.RegisterReadiness(checks.Presence(stack.Presence, timeout))
	if cfg.Maintenance.Enabled {
		manager.RegisterReadiness(checks.Maintenance(stack.Cleaner.Tracker(), 0))
	}

	return manager
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	var err error
	if s.Gateway != nil {
		err = multierr.Append(err, s.Gateway.Stop())
	}
	if s.Redis != nil {
		err = multierr.Append(err, s.Redis.Close())
	}
	if s.DB != nil {
		err = multierr.Append(err, database.Close(s.DB))
	}
	if err != nil {
		log.Warn("runtime shutdown", zap.Error(err))
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}
