// Package lock provides a Redis-backed mutual exclusion primitive used to
// serialize read-modify-write cycles on a single invoice across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/resilience"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lock: not acquired")

// Client is the subset of go-redis used by Locker.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R            Client
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// InvoiceKey returns the lock key guarding an invoice.
func InvoiceKey(name string) string {
	return "lock:invoice:" + name
}

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// WithLock executes fn while holding a lock for the provided key. The lock is
// released automatically even if fn returns an error. When the lock cannot be
// acquired before the context is done ErrNotAcquired wrapping the context
// error is returned.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	base := l.RetryBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	maxWait := l.MaxBackoff
	if maxWait <= 0 {
		maxWait = time.Second
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctxErr)
			}
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			obs.LockWaitSeconds.Observe(time.Since(start).Seconds())
			defer l.release(key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(resilience.Backoff(base, maxWait, attempt, 0.2))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
