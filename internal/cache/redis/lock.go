package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Both scripts act only while KEYS[1] still holds the caller's token, so an
// expired holder can neither release nor extend a lock someone else took.
var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager implements domain.LockManager with SET NX tokens. While a lock
// is held a watchdog pushes its expiry forward every third of the TTL, so a
// trade waiting on chain confirmation keeps its user lock; a crashed process
// stops renewing and the key lapses after one TTL.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// release func stops the watchdog and deletes the key; extra calls are no-ops.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := "lock:" + key
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		lm.renew(lk, token, ttl, stop)
	}()

	return sync.OnceFunc(func() {
		close(stop)
		<-done

		// The caller's context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, lm.rdb, []string{lk}, token).Err()
	}), nil
}

func (lm *LockManager) renew(lk, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			kept, err := lm.extend(context.Background(), lk, token, ttl)
			if err == nil && !kept {
				return
			}
		}
	}
}

// extend resets lk's expiry to ttl if token still owns it.
func (lm *LockManager) extend(ctx context.Context, lk, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: extend lock %s: %w", lk, err)
	}
	return n == 1, nil
}

var _ domain.LockManager = (*LockManager)(nil)
