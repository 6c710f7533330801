package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// Reconnect backoff for subscription read loops.
const (
	reconnectBackoffMin = 50 * time.Millisecond
	reconnectBackoffMax = 2 * time.Second
)

// subscription is one live broker subscription (channel or pattern) with its
// registered handlers.
type subscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[int]Handler
	nextID   int
}

// Handle identifies one registered handler. The subscriber owns the handle
// and closes it to unregister; closing the last handler on a channel
// unsubscribes from the broker.
type Handle struct {
	svc *Service
	key string
	id  int
}

// Close unregisters the handler. Safe to call on a nil handle and safe to
// call more than once.
func (h *Handle) Close() {
	if h == nil || h.svc == nil {
		return
	}
	h.svc.removeHandler(h.key, h.id)
	h.svc = nil
}

// SubscribeGame registers a handler for all game-wide messages of one game.
func (s *Service) SubscribeGame(ctx context.Context, gameID string, handler Handler) *Handle {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.subscribe(ctx, s.GameChannel(gameID), false, handler)
}

// SubscribeAllGames registers a handler on the <prefix>* pattern, matching
// every channel of every game.
func (s *Service) SubscribeAllGames(ctx context.Context, handler Handler) *Handle {
	if s == nil || s.client == nil {
		return nil
	}
	return s.subscribe(ctx, s.prefix+"*", true, handler)
}

// SubscribeGameChunks registers a handler on the chunk pattern of one game.
func (s *Service) SubscribeGameChunks(ctx context.Context, gameID string, handler Handler) *Handle {
	if s == nil || s.client == nil {
		return nil
	}
	return s.subscribe(ctx, s.GameChannel(gameID)+":chunk:*", true, handler)
}

// UnsubscribeGame drops every handler on a game's channel and unsubscribes
// from the broker.
func (s *Service) UnsubscribeGame(gameID string) {
	if s == nil || s.client == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSubscriptionLocked(s.GameChannel(gameID))
}

func (s *Service) subscribe(ctx context.Context, key string, pattern bool, handler Handler) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[key]
	if !ok {
		subCtx, cancel := context.WithCancel(ctx)

		var pubsub *redis.PubSub
		if pattern {
			pubsub = s.client.PSubscribe(subCtx, key)
		} else {
			pubsub = s.client.Subscribe(subCtx, key)
		}

		sub = &subscription{
			pubsub:   pubsub,
			cancel:   cancel,
			done:     make(chan struct{}),
			handlers: make(map[int]Handler),
		}
		s.subs[key] = sub

		go s.readLoop(subCtx, key, sub)
		logging.Info(ctx, "Subscribed to broker", zap.String("channel", key), zap.Bool("pattern", pattern))
	}

	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = handler

	return &Handle{svc: s, key: key, id: id}
}

func (s *Service) removeHandler(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[key]
	if !ok {
		return
	}
	delete(sub.handlers, id)
	if len(sub.handlers) == 0 {
		s.closeSubscriptionLocked(key)
	}
}

// closeSubscriptionLocked tears down one broker subscription. Caller holds
// s.mu.
func (s *Service) closeSubscriptionLocked(key string) {
	sub, ok := s.subs[key]
	if !ok {
		return
	}
	sub.cancel()
	_ = sub.pubsub.Close()
	delete(s.subs, key)
	logging.Info(context.Background(), "Unsubscribed from broker", zap.String("channel", key))
}

// readLoop reads frames until the subscription is cancelled. Broker errors
// are retried with exponential backoff; malformed payloads are logged and
// dropped, never crashing the dispatcher.
func (s *Service) readLoop(ctx context.Context, key string, sub *subscription) {
	defer close(sub.done)

	backoff := reconnectBackoffMin
	for {
		msg, err := sub.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn(ctx, "Broker read failed, retrying",
				zap.String("channel", key), zap.Duration("backoff", backoff), zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}
		backoff = reconnectBackoffMin

		env, err := types.ParseEnvelope([]byte(msg.Payload))
		if err != nil {
			metrics.BusMessagesDropped.WithLabelValues("malformed").Inc()
			logging.Warn(ctx, "Dropping malformed bus frame", zap.String("channel", key), zap.Error(err))
			continue
		}

		start := time.Now()
		for _, handler := range s.handlerSnapshot(key) {
			dispatch(handler, env)
		}
		metrics.DispatchDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) handlerSnapshot(key string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[key]
	if !ok {
		return nil
	}
	out := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		out = append(out, h)
	}
	return out
}

// dispatch invokes one handler; a panicking handler never affects its
// siblings.
func dispatch(handler Handler, env types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Recovered from panic in bus handler",
				zap.String("gameId", env.GameID), zap.Any("panic", r))
		}
	}()
	handler(env)
}
