package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultMarketListTTL = time.Minute

// MarketCache implements domain.MarketCache using Redis strings holding a
// JSON-serialized market list.
//
// Key schema:
//
//	markets:{key} - JSON array of domain.Market
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketListKey(key string) string { return "markets:" + key }

// SetList stores markets under key. A non-positive ttl falls back to one
// minute; listings are never stored without expiry.
func (mc *MarketCache) SetList(ctx context.Context, key string, markets []domain.Market, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMarketListTTL
	}
	data, err := json.Marshal(markets)
	if err != nil {
		return fmt.Errorf("redis: marshal market list %s: %w", key, err)
	}
	if err := mc.rdb.Set(ctx, marketListKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market list %s: %w", key, err)
	}
	return nil
}

// GetList returns the cached listing for key.
// It returns domain.ErrNotFound when the key does not exist.
func (mc *MarketCache) GetList(ctx context.Context, key string) ([]domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketListKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get market list %s: %w", key, err)
	}

	var markets []domain.Market
	if err := json.Unmarshal(data, &markets); err != nil {
		return nil, fmt.Errorf("redis: unmarshal market list %s: %w", key, err)
	}
	return markets, nil
}

// Invalidate removes the cached listing for key.
func (mc *MarketCache) Invalidate(ctx context.Context, key string) error {
	if err := mc.rdb.Del(ctx, marketListKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market list %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
