package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
)

// Locks are advisory. Acquisition is SET NX with a random lock id; release
// compares the stored id before deleting, so a lock that expired and was
// re-acquired by another caller cannot be released by the original owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is the result of an acquisition attempt.
type Lock struct {
	Acquired bool
	ID       string

	svc *Service
	key string
}

// Release frees the lock if this holder still owns it. A release against an
// expired-and-reacquired lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || !l.Acquired || l.svc == nil || l.svc.client == nil {
		return nil
	}

	_, err := l.svc.execute("release lock", func() (any, error) {
		return releaseScript.Run(ctx, l.svc.client, []string{lockKey(l.key)}, l.ID).Result()
	})
	if err != nil {
		logging.Warn(ctx, "Lock release failed", zap.String("key", l.key), zap.Error(err))
	}
	return err
}

// AcquireLock attempts to take the named lock, retrying up to retries times
// with the given delay between attempts. The returned Lock reports whether
// acquisition succeeded; callers must not treat a failed acquisition as an
// error.
func (s *Service) AcquireLock(ctx context.Context, key string, ttl time.Duration, retries int, delay time.Duration) (*Lock, error) {
	if s == nil || s.client == nil {
		return &Lock{Acquired: false}, nil // Single-instance mode, no Redis available
	}

	lockID := uuid.New().String()

	for attempt := 0; ; attempt++ {
		res, err := s.execute("acquire lock", func() (any, error) {
			return s.client.SetNX(ctx, lockKey(key), lockID, ttl).Result()
		})
		if err != nil {
			return nil, err
		}
		if res.(bool) {
			return &Lock{Acquired: true, ID: lockID, svc: s, key: key}, nil
		}
		if attempt >= retries {
			return &Lock{Acquired: false}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Default acquisition parameters for WithLock.
const (
	withLockTTL     = 10 * time.Second
	withLockRetries = 10
	withLockDelay   = 100 * time.Millisecond
)

// WithLock runs fn under the named lock and releases it on every exit path,
// including panics. Returns ErrBusUnavailable semantics from acquisition, or
// an error when the lock could not be obtained within the retry budget.
func (s *Service) WithLock(ctx context.Context, key string, fn func() error) error {
	if s == nil || s.client == nil {
		// Single-instance mode: no peers to exclude.
		return fn()
	}

	lock, err := s.AcquireLock(ctx, key, withLockTTL, withLockRetries, withLockDelay)
	if err != nil {
		return err
	}
	if !lock.Acquired {
		return fmt.Errorf("could not acquire lock %q", key)
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	return fn()
}
