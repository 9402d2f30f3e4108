// Package redisx wraps a go-redis/v9 client with the helpers the order
// lifecycle engine needs: hash-tagged user shards, a TTL lock, an atomic
// placement script with a non-atomic fallback, and sorted-set range
// helpers for the trigger/pending indexes.
package redisx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps redis.UniversalClient so the engine can run against a
// single node or a cluster (REDIS_HOSTS may list more than one address)
// without changing call sites.
type Client struct {
	rdb redis.UniversalClient
}

// Config mirrors the REDIS_* environment variables from spec.md §6.
type Config struct {
	Hosts    []string
	Password string
}

// New dials a Redis client. A single host yields a *redis.Client; more than
// one yields a cluster client, matching how "REDIS_HOSTS" is documented as
// plural in spec.md.
func New(cfg Config) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("redisx: no hosts configured")
	}
	if len(cfg.Hosts) == 1 {
		opt := &redis.Options{Addr: cfg.Hosts[0], Password: cfg.Password}
		return &Client{rdb: redis.NewClient(opt)}, nil
	}
	opt := &redis.ClusterOptions{Addrs: cfg.Hosts, Password: cfg.Password}
	return &Client{rdb: redis.NewClusterClient(opt)}, nil
}

// NewFromUniversalClient lets tests inject a miniredis-backed client.
func NewFromUniversalClient(rdb redis.UniversalClient) *Client { return &Client{rdb: rdb} }

func (c *Client) Raw() redis.UniversalClient { return c.rdb }

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) Close() error { return c.rdb.Close() }

// HashTagOf extracts the "{...}" substring from a key, mirroring what
// Redis Cluster itself uses for slot placement (spec.md §5, "hash tag").
func HashTagOf(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(key[start:], '}')
	if end < 0 {
		return ""
	}
	return key[start+1 : start+end]
}

// SetHash writes a Go map as a Redis hash.
func (c *Client) SetHash(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

// GetHash reads a full hash into a string map; empty map if the key is missing.
func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes individual hash fields, used to drop a stale SL/TP price
// rather than leave a zero-value placeholder behind.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// SetNX sets a key with TTL only if absent; reports whether it acquired it.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes one or more keys; no error if already absent.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Get returns the value or "" with ok=false when missing.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetEx sets a value with a TTL unconditionally.
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SAdd/SRem/SMembers wrap set ops used for indexes and holder sets.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]any, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return c.rdb.SAdd(ctx, key, anyMembers...).Err()
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	anyMembers := make([]any, len(members))
	for i, m := range members {
		anyMembers[i] = m
	}
	return c.rdb.SRem(ctx, key, anyMembers...).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// Publish fans a message out on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a live subscription; caller must Close() it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}
