package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// UserLocks serialises trade pipelines per user. The in-process set is always
// consulted; when a distributed LockManager is wired it is acquired as well so
// that several processes sharing one database cannot both pass the balance
// gate for the same user.
type UserLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
	dist domain.LockManager
	ttl  time.Duration
}

// NewUserLocks creates a lock set. dist may be nil.
func NewUserLocks(dist domain.LockManager, ttl time.Duration) *UserLocks {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &UserLocks{
		held: make(map[string]struct{}),
		dist: dist,
		ttl:  ttl,
	}
}

// TryLock takes the user's lock without waiting. A lock that is already held
// returns domain.ErrLockHeld. The returned release func is idempotent.
func (l *UserLocks) TryLock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	if _, busy := l.held[userID]; busy {
		l.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	l.held[userID] = struct{}{}
	l.mu.Unlock()

	local := func() {
		l.mu.Lock()
		delete(l.held, userID)
		l.mu.Unlock()
	}

	if l.dist == nil {
		return sync.OnceFunc(local), nil
	}

	unlock, err := l.dist.Acquire(ctx, "trade:"+userID, l.ttl)
	if err != nil {
		local()
		return nil, fmt.Errorf("executor: lock %s: %w", userID, err)
	}
	return sync.OnceFunc(func() {
		unlock()
		local()
	}), nil
}

// Held reports whether the user's in-process lock is taken.
func (l *UserLocks) Held(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[userID]
	return ok
}
