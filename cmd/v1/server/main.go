package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/openpixels/gridsync/internal/v1/bus"
	"github.com/openpixels/gridsync/internal/v1/config"
	"github.com/openpixels/gridsync/internal/v1/health"
	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/middleware"
	"github.com/openpixels/gridsync/internal/v1/ratelimit"
	"github.com/openpixels/gridsync/internal/v1/router"
	"github.com/openpixels/gridsync/internal/v1/session"
	gamesync "github.com/openpixels/gridsync/internal/v1/sync"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Redis Bus Initialization (Optional) ---
	// Initialize Redis for distributed pub/sub if enabled
	var busService *bus.Service
	if cfg.RedisEnabled {
		var err error
		busService, err = bus.NewService(cfg.RedisURL, cfg.ChannelPrefix)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "url", cfg.RedisURL)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiting ---
	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Wire the Hub, Chunk Router and Sync Coordinator ---
	hub := session.NewHub(session.Options{
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
		RateLimiter:  rateLimiter,
	})

	chunkRouter := router.New(hub, busService, cfg.ChunkSize)

	coordinator := gamesync.New(hub, busService, gamesync.Options{
		Policy:            cfg.ConflictPolicy,
		AckTimeout:        cfg.AckTimeout,
		MaxPending:        cfg.MaxPendingUpdates,
		OptimisticEnabled: cfg.OptimisticEnabled,
		StateTTL:          cfg.StateTTL,
	})

	// --- Set up Server ---
	ginRouter := gin.Default()
	// Cors
	corsConfig := cors.DefaultConfig()
	allowedOrigins := session.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	ginRouter.Use(cors.New(corsConfig))

	// Error handling
	ginRouter.Use(gin.Recovery())

	// Correlation IDs for request tracing
	ginRouter.Use(middleware.CorrelationID())

	// Routing
	ginRouter.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, hub)
	ginRouter.GET("/health/live", healthHandler.Liveness)
	ginRouter.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginRouter,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all game rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Stop bus subscriptions before closing the connection they read from
	coordinator.Close()
	chunkRouter.Close()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
