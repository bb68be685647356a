package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codelift/workbench/internal/middleware"
	"github.com/codelift/workbench/pkg/config"
)

func SetupRouter(
	healthHandler *HealthHandler,
	machineHandler *MachineHandler,
	lifecycleHandler *LifecycleWebhookHandler,
	adminHandler *AdminHandler,
	eventsWsHandler *EventsWebSocket,
	cfg *config.Config,
) *gin.Engine {
	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router with custom middleware
	router := gin.New()

	// Global middleware (in order)
	router.Use(gin.Recovery())            // Panic recovery
	router.Use(middleware.ErrorHandler()) // Error handling
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimitMiddleware(
		middleware.NewRateLimiterPerSecond(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	// CORS middleware (for development)
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoints (no auth required)
	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck) // Docker healthcheck uses HEAD
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	// Prometheus metrics endpoint (no auth required for scraping)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Liveness pings originate from the instances themselves; trust is the
	// network boundary, not a JWT.
	router.POST("/ping", machineHandler.Ping)

	// Provider lifecycle notifications (shared-token check in the handler)
	router.POST("/webhook/lifecycle", lifecycleHandler.HandleLifecycle)

	// Workspace endpoints (require authentication)
	machines := router.Group("/machines")
	machines.Use(middleware.AuthMiddleware())
	{
		machines.POST("/allocate", machineHandler.Allocate)
		machines.GET("/status", machineHandler.Status)
	}

	// Operator endpoints (require authentication + admin)
	router.GET("/status", middleware.AuthMiddleware(), middleware.AdminMiddleware(), adminHandler.FleetStatus)

	admin := router.Group("/admin")
	admin.Use(middleware.AuthMiddleware())
	admin.Use(middleware.AdminMiddleware())
	{
		admin.GET("/events", adminHandler.ListEvents)
		admin.GET("/events/stream", eventsWsHandler.HandleConnection)
		admin.GET("/runtime", healthHandler.RuntimeStats)
	}

	return router
}
