package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context expired.
var ErrLockTimeout = errors.New("cache: lock wait timed out")

// unlockScript deletes the lock only if it is still held by the caller's token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a per-key mutual exclusion lock shared by every process that
// talks to the same Redis. Holders that crash release the key when its TTL expires.
type Locker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
	logger    *zap.Logger
}

// NewLocker creates a Redis-backed locker. ttl bounds how long a lock may be
// held if the owner never releases it.
func NewLocker(c *Cache, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client:    c.Client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		retry:     25 * time.Millisecond,
		logger:    logger,
	}
}

func (l *Locker) key(id string) string {
	return l.keyPrefix + id
}

// Lock blocks until the lock for id is acquired or ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.NewString()
	key := l.key(id)
	wait := l.retry

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-timer.C:
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.release(key, token); err != nil {
				// The key still expires after ttl.
				l.logger.Warn("failed to release settlement lock",
					zap.String("key", key),
					zap.Duration("ttl", l.ttl),
					zap.Error(err),
				)
			}
		})
	}, nil
}

// release deletes key if token still owns it. It runs on its own context so a
// caller whose context is already done can still unlock.
func (l *Locker) release(key, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: release lock %s: %w", key, err)
	}
	return nil
}
