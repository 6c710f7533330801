package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
)

// Key families for the ephemeral KV side channel. Everything here carries a
// TTL; nothing in the fabric persists durably.
func stateKey(gameID string) string  { return "state:" + gameID }
func chunksKey(gameID string) string { return "chunks:" + gameID }
func lockKey(key string) string      { return "lock:" + key }

// CacheGameState stores a snapshot of a game's state under state:<gameId>
// with the given TTL.
func (s *Service) CacheGameState(ctx context.Context, gameID string, state any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal game state: %w", err)
	}

	_, err = s.execute("cache state", func() (any, error) {
		return nil, s.client.Set(ctx, stateKey(gameID), data, ttl).Err()
	})
	if err != nil {
		logging.Error(ctx, "Redis state cache write failed", zap.String("gameId", gameID), zap.Error(err))
	}
	return err
}

// GetCachedGameState fetches the cached snapshot for a game. Returns nil
// with no error when the key is absent or expired.
func (s *Service) GetCachedGameState(ctx context.Context, gameID string) (json.RawMessage, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute("get cached state", func() (any, error) {
		data, err := s.client.Get(ctx, stateKey(gameID)).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a normal outcome, not a broker failure; it must not
			// count against the circuit breaker.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return json.RawMessage(res.([]byte)), nil
}

// SetActiveChunks replaces the chunks:<gameId> set with the given members
// and refreshes its TTL. An empty set deletes the key.
func (s *Service) SetActiveChunks(ctx context.Context, gameID string, chunkIDs []string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.execute("set active chunks", func() (any, error) {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, chunksKey(gameID))
		if len(chunkIDs) > 0 {
			members := make([]any, len(chunkIDs))
			for i, id := range chunkIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, chunksKey(gameID), members...)
			pipe.Expire(ctx, chunksKey(gameID), DefaultStateTTL)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		logging.Error(ctx, "Redis active chunks write failed", zap.String("gameId", gameID), zap.Error(err))
	}
	return err
}

// GetActiveChunks returns the chunk ids currently marked active for a game
// across all processes.
func (s *Service) GetActiveChunks(ctx context.Context, gameID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.execute("get active chunks", func() (any, error) {
		return s.client.SMembers(ctx, chunksKey(gameID)).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}
