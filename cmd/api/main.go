package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelift/workbench/internal/api"
	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/internal/events"
	"github.com/codelift/workbench/internal/middleware"
	"github.com/codelift/workbench/internal/orchestrator"
	"github.com/codelift/workbench/internal/service"
	"github.com/codelift/workbench/internal/store"
	"github.com/codelift/workbench/pkg/config"
	"github.com/codelift/workbench/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	appLogger := logger.NewLogger(logger.ParseLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}

	logger.Info("Starting application", map[string]interface{}{
		"app":   cfg.AppName,
		"debug": cfg.Debug,
		"port":  cfg.Port,
		"asg":   cfg.ASGName,
	})

	// Connect the session store
	redisClient, err := store.Connect(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to connect to Redis", err, nil)
		os.Exit(2)
	}
	defer redisClient.Close()

	sessions := store.NewSessionStore(redisClient, cfg.StoreRPCTimeout())
	pool := store.NewWarmPool(redisClient, cfg.StoreRPCTimeout())

	// Initialize the cloud adapter
	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	adapter, err := cloud.NewAWSAdapter(initCtx, cfg.AWSRegion, cfg.ASGName, cfg.CloudRPCTimeout())
	cancelInit()
	if err != nil {
		logger.Error("Failed to initialize AWS adapter", err, nil)
		os.Exit(2)
	}
	logger.Info("AWS adapter initialized", map[string]interface{}{
		"region": cfg.AWSRegion,
		"asg":    cfg.ASGName,
	})

	// Initialize Event-Bus sinks (both optional; events still reach
	// subscribers and the live stream without them)
	var sinks []events.EventStorage
	if cfg.DatabaseURL != "" {
		dbStorage, err := events.NewDatabaseEventStorage(cfg.DatabaseURL, cfg.Debug)
		if err != nil {
			logger.Warn("Failed to initialize Postgres event audit, continuing without it", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			sinks = append(sinks, dbStorage)
		}
	}
	if cfg.InfluxDBURL != "" && cfg.InfluxDBToken != "" {
		influxStorage, err := events.NewInfluxDBEventStorage(events.InfluxDBConfig{
			URL:    cfg.InfluxDBURL,
			Token:  cfg.InfluxDBToken,
			Org:    cfg.InfluxDBOrg,
			Bucket: cfg.InfluxDBBucket,
		})
		if err != nil {
			logger.Warn("Failed to initialize InfluxDB event sink, continuing without it", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer influxStorage.Close()
			sinks = append(sinks, influxStorage)
		}
	}
	switch len(sinks) {
	case 0:
		logger.Info("Event-Bus initialized without persistent storage", nil)
	case 1:
		events.SetEventStorage(sinks[0])
		logger.Info("Event-Bus initialized with single storage sink", nil)
	default:
		events.SetEventStorage(events.NewMultiEventStorage(sinks...))
		logger.Info("Event-Bus initialized with multi-sink storage", map[string]interface{}{
			"sinks": len(sinks),
		})
	}

	// Link auth service to middleware
	authService := service.NewAuthService(cfg)
	middleware.SetAuthService(authService)

	// Build and start the orchestrator
	orch := orchestrator.NewOrchestrator(cfg, sessions, pool, adapter)
	orch.Start()
	defer orch.Stop()

	// Initialize API handlers
	healthHandler := api.NewHealthHandler(redisClient)
	machineHandler := api.NewMachineHandler(orch)
	lifecycleHandler := api.NewLifecycleWebhookHandler(orch, cfg.WebhookToken)
	adminHandler := api.NewAdminHandler(orch)

	// Live event stream for the operator console
	eventsWs := api.NewEventsWebSocket(orch)
	go eventsWs.Run()
	defer eventsWs.Shutdown()
	events.SetStreamPublisher(eventsWs)
	logger.Info("Event stream started", nil)

	// Setup router
	router := api.SetupRouter(healthHandler, machineHandler, lifecycleHandler, adminHandler, eventsWs, cfg)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address":      addr,
			"health_check": fmt.Sprintf("http://localhost%s/health", addr),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", err, nil)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...", nil)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown did not complete cleanly", err, nil)
	}

	logger.Info("Shutdown complete", nil)
}
