package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ZAdd upserts a scored member (sl_index/tp_index/pending_index entries).
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes a member from a sorted set.
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	return c.rdb.ZRem(ctx, key, member).Err()
}

// ZRangeByScore returns members scored within [min,max], capped at limit
// (the Trigger Monitor batches range queries at 100 per spec.md §4.7).
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string, limit int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: limit}).Result()
}

// ZRevRangeByScore is ZRangeByScore with max/min evaluated in descending
// order. The trigger and pending scans do not call it; both use
// ZRangeByScore with per-side bounds.
func (c *Client) ZRevRangeByScore(ctx context.Context, key, max, min string, limit int64) ([]string, error) {
	return c.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: limit}).Result()
}
