// Package ratelimit implements rate limiting using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/config"
	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	wsIP     *limiter.Limiter
	wsPlayer *limiter.Limiter
	apiAdmin *limiter.Limiter
	store    limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance. A nil redisClient falls
// back to a per-process memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsPlayerRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS player rate: %w", err)
	}

	apiAdminRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIAdmin)
	if err != nil {
		return nil, fmt.Errorf("invalid API admin rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		// Single-instance mode: limits are per process only.
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:     limiter.New(store, wsIPRate),
		wsPlayer: limiter.New(store, wsPlayerRate),
		apiAdmin: limiter.New(store, apiAdminRate),
		store:    store,
	}, nil
}

// AdminMiddleware returns a Gin middleware limiting the admin REST surface
// by client IP.
func (rl *RateLimiter) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.apiAdmin.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strictness when the store is down.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}

// CheckWebSocket checks if a WebSocket connection attempt should be allowed.
// Returns true if allowed, false if limit exceeded (and writes the error
// response).
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	playerID := c.Query("playerId")
	if playerID == "" {
		return true
	}

	playerContext, err := rl.wsPlayer.Get(ctx, "player:"+playerID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (player)", zap.Error(err))
		return true // Fail open
	}

	if playerContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "player").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(playerContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections for this player"})
		return false
	}

	return true
}

// CheckPlayer checks the per-player connect limit directly, for callers that
// hold a player id but no gin context.
func (rl *RateLimiter) CheckPlayer(ctx context.Context, playerID string) error {
	playerContext, err := rl.wsPlayer.Get(ctx, "player:"+playerID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (player)", zap.Error(err))
		return nil // Fail open
	}

	if playerContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "player").Inc()
		return fmt.Errorf("rate limit exceeded for player %s", playerID)
	}

	return nil
}
