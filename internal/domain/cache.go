package domain

import (
	"context"
	"time"
)

// MarketCache holds short-lived market listings keyed by query.
type MarketCache interface {
	SetList(ctx context.Context, key string, markets []Market, ttl time.Duration) error
	GetList(ctx context.Context, key string) ([]Market, error)
	Invalidate(ctx context.Context, key string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans execution events out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (<-chan BusMessage, error)
}

// BusMessage is a payload received from a channel.
type BusMessage struct {
	Channel string
	Payload []byte
}
