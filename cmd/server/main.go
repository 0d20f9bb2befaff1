package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"qualisys/internal/handler"
	"qualisys/internal/limiter"
	"qualisys/internal/middleware"
	"qualisys/internal/model"
	"qualisys/internal/rbac"
	"qualisys/internal/schema"
	"qualisys/internal/sse"
	"qualisys/internal/store"
	"qualisys/internal/tasks"
	"qualisys/pkg/config"
	"qualisys/pkg/counterstore"
	"qualisys/pkg/database"
	"qualisys/pkg/jwtutil"
	"qualisys/pkg/logger"
	"qualisys/prometheus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	if err := logger.InitLogger(cfg); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := logger.GetLogger()
	log.Info("Starting QUALISYS backend...", cfg.LogConfig()...)

	// Initialize database
	db, err := database.InitDB(&cfg.DB)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.MigrateModels(db,
		&model.User{}, &model.Tenant{}, &model.TenantMembership{}, &model.Invitation{}); err != nil {
		log.Fatal("Failed to migrate registry models", zap.Error(err))
	}
	log.Info("Database connection established")

	// Counter store: Redis when reachable, in-process fallback otherwise.
	// The fallback keeps limits enforced per instance instead of not at all.
	var counters counterstore.Store
	redisClient, err := counterstore.NewRedisClient(context.Background(), &cfg.Redis)
	if err != nil {
		log.Warn("Redis unreachable, using in-memory counter store", zap.Error(err))
		counters = counterstore.NewMemoryStore()
	} else {
		counters = counterstore.NewRedisStore(redisClient)
		log.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize Prometheus metrics
	prometheus.InitMetrics()
	log.Info("Prometheus metrics initialized")

	// Wire the service graph
	jwt := jwtutil.NewJWTUtil(&cfg.JWT)
	registry := store.NewRegistry(db)
	tenants := store.NewTenantStore(db, log)
	engine := schema.NewEngine(db, log)
	gate := rbac.NewGate(registry, store.IsNotFound)
	loginLimiter := limiter.NewRateLimiter(counters, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, log)
	budget := limiter.NewTokenBudget(counters, cfg.Budget.MonthlyTokenLimit, log)
	streams := sse.NewManager(log)
	background := tasks.NewRegistry(log)

	authHandler := handler.NewAuthHandler(registry, jwt, &cfg.JWT)
	orgHandler := handler.NewOrgHandler(registry, tenants, engine, gate, jwt, &cfg.JWT)
	memberHandler := handler.NewMemberHandler(registry, tenants, gate)
	projectHandler := handler.NewProjectHandler(registry, tenants, gate)
	runHandler := handler.NewRunHandler(tenants, projectHandler, budget, streams, background, log)
	healthHandler := handler.NewHealthHandler(db, cfg.ServiceName)

	// Initialize Echo framework
	e := echo.New()
	e.HideBanner = true

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware())
	e.Use(prometheus.MetricsMiddleware())
	e.Use(middleware.TenantContextMiddleware(jwt, cfg.JWT.CookieName))

	// Public routes - no authentication required
	e.GET("/health", healthHandler.Check)
	e.GET("/metrics", prometheus.Handler())

	// Authentication routes - these don't belong under /api since they're for getting access to the API
	auth := e.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login, middleware.RateLimitMiddleware(loginLimiter, "login"))

	// API routes - all require a decoded tenant context
	api := e.Group("/api")
	api.Use(middleware.RequireTenantContext)

	api.GET("/profile", authHandler.Profile)

	// Organization lifecycle
	orgs := api.Group("/orgs")
	orgs.POST("", orgHandler.CreateOrg)
	orgs.GET("", orgHandler.ListMyOrgs)
	orgs.GET("/:slug", orgHandler.GetOrg)
	orgs.POST("/:slug/switch", orgHandler.SwitchOrg)
	orgs.PATCH("/:slug/settings", orgHandler.UpdateSettings)
	orgs.DELETE("/:slug", orgHandler.DeleteOrg, middleware.RateLimitMiddleware(loginLimiter, "delete_org"))

	// Membership and invitations
	orgs.POST("/:slug/invitations", memberHandler.Invite)
	orgs.GET("/:slug/members", memberHandler.List)
	orgs.PATCH("/:slug/members/:user_id", memberHandler.ChangeRole)
	orgs.DELETE("/:slug/members/:user_id", memberHandler.Remove)
	api.POST("/invitations/accept", memberHandler.Accept)

	// Projects inside a tenant schema
	orgs.POST("/:slug/projects", projectHandler.Create)
	orgs.GET("/:slug/projects", projectHandler.List)
	orgs.GET("/:slug/projects/:project_id", projectHandler.Get)
	orgs.DELETE("/:slug/projects/:project_id", projectHandler.Delete,
		middleware.RateLimitMiddleware(loginLimiter, "delete_project"))
	orgs.POST("/:slug/projects/:project_id/members", projectHandler.AddMember)
	orgs.GET("/:slug/projects/:project_id/members", projectHandler.ListMembers)

	// Agent runs and progress streaming
	orgs.POST("/:slug/projects/:project_id/runs", runHandler.Start)
	orgs.GET("/:slug/projects/:project_id/runs/:run_id", runHandler.Get)
	orgs.GET("/:slug/projects/:project_id/runs/:run_id/events", runHandler.Stream)

	// Start server
	go func() {
		log.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Block until a termination signal, then drain connections and wait for
	// in-flight background tasks before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	if !background.Wait(ctx) {
		log.Warn("Background tasks still running at shutdown deadline",
			zap.Int("in_flight", background.InFlight()))
	}
	log.Info("Shutdown complete")
}
