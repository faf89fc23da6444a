// Package eventcache remembers processed webhook event ids so redeliveries
// can be acknowledged without touching the database.
package eventcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorpay/internal/cache"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
)

const keyPrefix = "webhook:event:"

type redisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) paymentdomain.EventCache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := c.client.Get(ctx, keyPrefix+eventID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *redisCache) Remember(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, keyPrefix+eventID, "1", c.ttl).Err()
}

type memoryCache struct {
	entries cache.Cache[string, struct{}]
	ttl     time.Duration
}

// NewMemory keeps the markers in process. Used when redis is not configured.
func NewMemory(ttl time.Duration) paymentdomain.EventCache {
	return &memoryCache{entries: cache.NewTTLCache[string, struct{}](), ttl: ttl}
}

func (c *memoryCache) Seen(_ context.Context, eventID string) (bool, error) {
	_, ok := c.entries.Get(eventID)
	return ok, nil
}

func (c *memoryCache) Remember(_ context.Context, eventID string) error {
	c.entries.Set(eventID, struct{}{}, c.ttl)
	return nil
}
