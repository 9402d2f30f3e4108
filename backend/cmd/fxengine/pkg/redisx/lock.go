package redisx

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a short-TTL cross-process mutex (lock:user_margin:{u},
// lock:pending:{order_id}, close_processing:{order_id} per spec.md §5).
type Lock struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock prepares (without acquiring) a lock for key with the given TTL.
func NewLock(c *Client, key string, ttl time.Duration) *Lock {
	return &Lock{client: c, key: key, token: uuid.NewString(), ttl: ttl}
}

// TryAcquire attempts SET NX EX; returns false if already held.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`)

// Release deletes the lock only if we still own it (compare-and-delete),
// so a lock that expired and was re-acquired by someone else isn't
// clobbered.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err()
}
