package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// Redis-side buffering takes over.
const subscriberBuffer = 128

// EventBus implements domain.EventBus using Redis Pub/Sub. Delivery is
// best-effort: subscribers that are not connected miss the message.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on the given channels and returns a channel of messages.
// Channels containing glob wildcards are pattern subscriptions. The returned
// channel is closed once ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BusMessage, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("redis: subscribe: no channels")
	}

	var plain, patterns []string
	for _, ch := range channels {
		if hasPattern(ch) {
			patterns = append(patterns, ch)
		} else {
			plain = append(plain, ch)
		}
	}

	pubsub := b.rdb.Subscribe(ctx, plain...)
	if len(patterns) > 0 {
		if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("redis: psubscribe %s: %w", strings.Join(patterns, ","), err)
		}
	}

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", strings.Join(channels, ","), err)
	}

	out := make(chan domain.BusMessage, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- domain.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern returns true when the Redis channel includes glob-style
// wildcards, in which case PSubscribe must be used instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
