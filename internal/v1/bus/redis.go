// Package bus provides the process-local interface to the distributed
// pub/sub broker and its key-value side channel. All cross-process
// communication in the fabric goes through this package.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// DefaultPrefix namespaces all channels so multiple deployments can share
// one broker.
const DefaultPrefix = "game:"

// Default TTL for the state:<gameId> and chunks:<gameId> key families.
const DefaultStateTTL = 300 * time.Second

// ErrBusUnavailable is returned when the broker cannot be reached, either
// because the connection failed or because the circuit breaker is open.
var ErrBusUnavailable = errors.New("bus unavailable")

// Handler receives decoded envelopes from a subscription.
type Handler func(env types.Envelope)

// Service handles all interaction with the Redis broker. A nil *Service is
// valid and degrades every operation to a local no-op (single-instance mode).
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	prefix string
	origin string

	mu   sync.Mutex
	subs map[string]*subscription // channel or pattern -> live subscription
}

// NewService connects to the broker at the given URL (redis://host:port) and
// verifies connectivity before returning.
func NewService(redisURL, prefix string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}

	logging.Info(ctx, "Connected to Redis pub/sub", zap.String("url", redisURL), zap.String("prefix", prefix))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		prefix: prefix,
		origin: uuid.New().String(),
		subs:   make(map[string]*subscription),
	}, nil
}

// Client returns the underlying Redis client. Used by the rate limiter store
// and by tests.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Origin returns the random identifier stamped on every envelope this
// process publishes. Subscribers compare against it to suppress echoes of
// their own publishes.
func (s *Service) Origin() string {
	if s == nil {
		return ""
	}
	return s.origin
}

// GameChannel returns the channel carrying all game-wide messages for one
// game.
func (s *Service) GameChannel(gameID string) string {
	return s.prefix + gameID
}

// ChunkChannel returns the channel carrying updates for one chunk of one
// game.
func (s *Service) ChunkChannel(gameID, chunkID string) string {
	return s.prefix + gameID + ":chunk:" + chunkID
}

func (s *Service) execute(op string, fn func() (any, error)) (any, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(context.Background(), "Redis circuit breaker open", zap.String("op", op))
			return nil, fmt.Errorf("%s: %w", op, ErrBusUnavailable)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (s *Service) publish(ctx context.Context, channel string, env types.Envelope) (int64, error) {
	env.Origin = s.origin
	if env.Timestamp == "" {
		env.Timestamp = types.NowTimestamp()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	res, err := s.execute("publish", func() (any, error) {
		return s.client.Publish(ctx, channel, data).Result()
	})
	if err != nil {
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
		return 0, err
	}
	return res.(int64), nil
}

// PublishGame broadcasts a message on the game-wide channel and returns the
// number of broker subscribers it was delivered to.
func (s *Service) PublishGame(ctx context.Context, gameID string, eventType types.EventType, data any, playerID string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil // Single-instance mode, no Redis available
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return s.publish(ctx, s.GameChannel(gameID), types.Envelope{
		GameID:   gameID,
		Type:     eventType,
		Data:     raw,
		PlayerID: playerID,
	})
}

// PublishChunk broadcasts a chunk update on its chunk channel and returns
// the number of broker subscribers it was delivered to.
func (s *Service) PublishChunk(ctx context.Context, gameID, chunkID string, update types.ChunkUpdate) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil // Single-instance mode, no Redis available
	}

	raw, err := json.Marshal(update)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal chunk update: %w", err)
	}

	return s.publish(ctx, s.ChunkChannel(gameID, chunkID), types.Envelope{
		GameID:  gameID,
		Type:    types.EventChunkUpdate,
		Data:    raw,
		ChunkID: chunkID,
	})
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.execute("ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close tears down all subscriptions and the broker connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}

	s.mu.Lock()
	for key, sub := range s.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(s.subs, key)
	}
	s.mu.Unlock()

	return s.client.Close()
}
