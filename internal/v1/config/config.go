package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Redis bus
	RedisEnabled  bool
	RedisURL      string
	ChannelPrefix string
	StateTTL      time.Duration

	// Grid
	ChunkSize int

	// Sync coordinator
	AckTimeout        time.Duration
	MaxPendingUpdates int
	ConflictPolicy    string
	OptimisticEnabled bool

	// Transport heartbeat
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	// Rate Limits
	RateLimitWsIP     string
	RateLimitWsUser   string
	RateLimitAPIAdmin string
}

// Known conflict policies accepted by CONFLICT_POLICY.
var validConflictPolicies = map[string]bool{
	"server-wins": true,
	"client-wins": true,
	"merge":       true,
	"custom":      true,
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_URL (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisURL = os.Getenv("REDIS_URL")
		if cfg.RedisURL == "" {
			cfg.RedisURL = "redis://localhost:6379"
			slog.Warn("REDIS_URL not set, using default", "url", cfg.RedisURL)
		} else if !strings.HasPrefix(cfg.RedisURL, "redis://") && !strings.HasPrefix(cfg.RedisURL, "rediss://") {
			errors = append(errors, fmt.Sprintf("REDIS_URL must start with redis:// or rediss:// (got '%s')", cfg.RedisURL))
		}
	}

	cfg.ChannelPrefix = getEnvOrDefault("CHANNEL_PREFIX", "game:")

	cfg.StateTTL = parseDurationSeconds("STATE_TTL_SECONDS", 300, &errors)

	// Optional: CHUNK_SIZE (positive integer, defaults to 64)
	cfg.ChunkSize = parsePositiveInt("CHUNK_SIZE", 64, &errors)

	cfg.AckTimeout = parseDurationMillis("ACK_TIMEOUT_MS", 5000, &errors)
	cfg.MaxPendingUpdates = parsePositiveInt("MAX_PENDING_UPDATES", 100, &errors)

	cfg.ConflictPolicy = getEnvOrDefault("CONFLICT_POLICY", "server-wins")
	if !validConflictPolicies[cfg.ConflictPolicy] {
		errors = append(errors, fmt.Sprintf("CONFLICT_POLICY must be one of server-wins, client-wins, merge, custom (got '%s')", cfg.ConflictPolicy))
	}

	cfg.OptimisticEnabled = getEnvOrDefault("OPTIMISTIC_ENABLED", "true") == "true"

	cfg.PingInterval = parseDurationMillis("PING_INTERVAL_MS", 25000, &errors)
	cfg.PongTimeout = parseDurationMillis("PONG_TIMEOUT_MS", 60000, &errors)
	if cfg.PongTimeout <= cfg.PingInterval {
		errors = append(errors, fmt.Sprintf("PONG_TIMEOUT_MS (%v) must be greater than PING_INTERVAL_MS (%v)", cfg.PongTimeout, cfg.PingInterval))
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")
	cfg.RateLimitAPIAdmin = getEnvOrDefault("RATE_LIMIT_API_ADMIN", "60-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration
	logValidatedConfig(cfg)

	return cfg, nil
}

// parsePositiveInt reads an env var as a positive integer, collecting an
// error when the value is present but invalid.
func parsePositiveInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func parseDurationMillis(key string, defaultMillis int, errs *[]string) time.Duration {
	return time.Duration(parsePositiveInt(key, defaultMillis, errs)) * time.Millisecond
}

func parseDurationSeconds(key string, defaultSeconds int, errs *[]string) time.Duration {
	return time.Duration(parsePositiveInt(key, defaultSeconds, errs)) * time.Second
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_url", cfg.RedisURL,
		"channel_prefix", cfg.ChannelPrefix,
		"chunk_size", cfg.ChunkSize,
		"ack_timeout", cfg.AckTimeout,
		"max_pending_updates", cfg.MaxPendingUpdates,
		"conflict_policy", cfg.ConflictPolicy,
		"optimistic_enabled", cfg.OptimisticEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
