// Package rediscache implements the result cache on Redis so that several
// service instances share cached payloads.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

const defaultPrefix = "scrape_cache:"

// Cache stores payloads as JSON strings with a Redis-side expiry.
type Cache struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

// New builds a Cache. An empty prefix selects "scrape_cache:".
func New(client redis.UniversalClient, prefix string, defaultTTL time.Duration) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{client: client, prefix: prefix, defaultTTL: defaultTTL}, nil
}

// Get implements scrape.ResultCache.
func (c *Cache) Get(ctx context.Context, resourceID string) (scrape.Payload, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+resourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return scrape.Payload{}, false, nil
	}
	if err != nil {
		return scrape.Payload{}, false, fmt.Errorf("redis cache get %s: %w", resourceID, err)
	}
	var payload scrape.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return scrape.Payload{}, false, fmt.Errorf("decode cached payload %s: %w", resourceID, err)
	}
	return payload, true, nil
}

// Put implements scrape.ResultCache.
func (c *Cache) Put(ctx context.Context, resourceID string, payload scrape.Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload %s: %w", resourceID, err)
	}
	if err := c.client.Set(ctx, c.prefix+resourceID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache put %s: %w", resourceID, err)
	}
	return nil
}
