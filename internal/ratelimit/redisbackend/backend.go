// Package redisbackend stores rate-limit windows in Redis sorted sets so that
// several service instances share one limit per client.
package redisbackend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript prunes, counts and conditionally records in one round trip.
// KEYS[1] window key; ARGV: now ms, window ms, limit, member.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1}
end
return {0, count}
`)

// Backend implements ratelimit.Backend on Redis.
type Backend struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Backend{client: client}, nil
}

// Admit implements ratelimit.Backend.
func (b *Backend) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := admitScript.Run(ctx, b.client, []string{key},
		nowMs, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis admit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis admit %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, int(res[1]), nil
}

// Count implements ratelimit.Backend.
func (b *Backend) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis count %s: %w", key, err)
	}
	return int(card.Val()), nil
}
