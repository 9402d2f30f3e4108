package redisx

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrOrderExists mirrors the engine-level sentinel without importing
// internal/domain (redisx stays a leaf package).
var ErrOrderExists = errors.New("order_exists")

// placeOrderScript atomically (grounded on the Lua token-bucket pattern
// in rishavpaul-system-design/rate-limiter): asserts the order hash does
// not already exist, writes it, and bumps the two portfolio margin
// counters in the same hash-tagged shard. KEYS are all hash-tagged to the
// same user so this runs as a single Redis Cluster slot operation.
//
// KEYS[1] = order_data:{order_id}
// KEYS[2] = user_orders_index:{tag}
// KEYS[3] = user_portfolio:{tag}
// ARGV[1] = order_id
// ARGV[2..] = alternating field/value pairs for the order hash
// ARGV[N-1] = "used_margin_executed_delta"
// ARGV[N]   = delta to add to used_margin_executed
// ARGV[N+1] = "used_margin_all_delta"
// ARGV[N+2] = delta to add to used_margin_all
var placeOrderScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('order_exists')
end
local nfields = #ARGV
local orderFields = {}
local i = 2
while i < nfields - 3 do
	table.insert(orderFields, ARGV[i])
	table.insert(orderFields, ARGV[i+1])
	i = i + 2
end
redis.call('HSET', KEYS[1], unpack(orderFields))
redis.call('SADD', KEYS[2], ARGV[1])
local execDelta = tonumber(ARGV[nfields-2])
local allDelta = tonumber(ARGV[nfields])
redis.call('HINCRBYFLOAT', KEYS[3], 'used_margin_executed', execDelta)
redis.call('HINCRBYFLOAT', KEYS[3], 'used_margin_all', allDelta)
return 'OK'
`)

// PlaceOrderAtomic runs the placement script; it returns ErrOrderExists on
// a duplicate order_id. Callers fall back to PlaceOrderFallback when the
// deployment's Redis has scripting disabled (spec.md §4.3 step 8.b).
func (c *Client) PlaceOrderAtomic(ctx context.Context, orderDataKey, ordersIndexKey, portfolioKey, orderID string, fields map[string]string, execMarginDelta, allMarginDelta float64) error {
	argv := make([]any, 0, 2+len(fields)*2+4)
	argv = append(argv, orderID)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	argv = append(argv, "used_margin_executed_delta", execMarginDelta, "used_margin_all_delta", allMarginDelta)

	err := placeOrderScript.Run(ctx, c.rdb, []string{orderDataKey, ordersIndexKey, portfolioKey}, argv...).Err()
	if err != nil && err.Error() == "order_exists" {
		return ErrOrderExists
	}
	return err
}

// PlaceOrderFallback performs the same effect as PlaceOrderAtomic without
// scripting support: write order hash -> update index -> update portfolio,
// with explicit cleanup on a failed step (spec.md §4.3 step 8.b, "fall
// back to a non-atomic ordered sequence").
func (c *Client) PlaceOrderFallback(ctx context.Context, orderDataKey, ordersIndexKey, portfolioKey, orderID string, fields map[string]string, execMarginDelta, allMarginDelta float64) error {
	exists, err := c.rdb.Exists(ctx, orderDataKey).Result()
	if err != nil {
		return err
	}
	if exists == 1 {
		return ErrOrderExists
	}

	anyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		anyFields[k] = v
	}
	if err := c.rdb.HSet(ctx, orderDataKey, anyFields).Err(); err != nil {
		return err
	}
	if err := c.rdb.SAdd(ctx, ordersIndexKey, orderID).Err(); err != nil {
		_ = c.rdb.Del(ctx, orderDataKey).Err()
		return err
	}
	if err := c.rdb.HIncrByFloat(ctx, portfolioKey, "used_margin_executed", execMarginDelta).Err(); err != nil {
		_ = c.rdb.Del(ctx, orderDataKey).Err()
		_ = c.rdb.SRem(ctx, ordersIndexKey, orderID).Err()
		return err
	}
	if err := c.rdb.HIncrByFloat(ctx, portfolioKey, "used_margin_all", allMarginDelta).Err(); err != nil {
		_ = c.rdb.Del(ctx, orderDataKey).Err()
		_ = c.rdb.SRem(ctx, ordersIndexKey, orderID).Err()
		return err
	}
	return nil
}
