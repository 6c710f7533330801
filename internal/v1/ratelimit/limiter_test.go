package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpixels/gridsync/internal/v1/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{
		RateLimitWsIP:     "5-M", // 5 per minute
		RateLimitWsUser:   "3-M",
		RateLimitAPIAdmin: "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:     "5-M",
		RateLimitWsUser:   "5-M",
		RateLimitAPIAdmin: "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:     "lots",
		RateLimitWsUser:   "5-M",
		RateLimitAPIAdmin: "5-M",
	}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestAdminMiddleware(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.AdminMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Make 5 requests (limit is 5)
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/test", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 6th request should fail
	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	// Consume 5
	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocket(ctx)
		assert.True(t, allowed)
	}

	// 6th should fail
	allowed := rl.CheckWebSocket(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocket_PlayerLimitBeforeIPLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)

	newCtx := func() *gin.Context {
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request, _ = http.NewRequest("GET", "/ws?playerId=p1", nil)
		return ctx
	}

	// Player limit is 3, below the IP limit of 5.
	for i := 0; i < 3; i++ {
		assert.True(t, rl.CheckWebSocket(newCtx()))
	}
	assert.False(t, rl.CheckWebSocket(newCtx()))
}

func TestCheckPlayer(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	// Consume 3
	for i := 0; i < 3; i++ {
		err := rl.CheckPlayer(ctx, "player1")
		assert.NoError(t, err)
	}

	// 4th
	err := rl.CheckPlayer(ctx, "player1")
	assert.Error(t, err)

	// Other players are unaffected
	assert.NoError(t, rl.CheckPlayer(ctx, "player2"))
}

func TestRedisFailure(t *testing.T) {
	rl, mr := newTestLimiter(t)

	// Kill redis to simulate failure
	mr.Close()

	// Should fail open (allow request) but log error
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.AdminMiddleware())
	r.GET("/fail-open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/fail-open", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
}
