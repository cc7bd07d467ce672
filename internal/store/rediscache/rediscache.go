// Package rediscache implements store.Cache on Redis.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "memegen:cache:"

// Cache stores artifact references as plain string values with a TTL.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New wraps client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

// Get reports found=false for absent keys and for empty values.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: cache get: %v", types.ErrUpstreamUnavailable, err)
	}
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl %s: %w", ttl, types.ErrInvalidInput)
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: cache set: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

var _ store.Cache = (*Cache)(nil)
