package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a Redis-backed mutex for control loops that must run on a single
// instance at a time. Acquire is non-blocking: a loser skips its cycle and
// tries again on the next tick.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	holder string
}

// NewLock builds a named lock. The TTL bounds how long a crashed holder can
// block everyone else.
func NewLock(client *redis.Client, name string, ttl time.Duration) *Lock {
	if ttl == 0 {
		ttl = 90 * time.Second
	}
	return &Lock{
		client: client,
		key:    "sync:lock:" + name,
		ttl:    ttl,
		holder: uuid.New().String(),
	}
}

// Acquire attempts to take the lock, returning false when another instance
// holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
}

// Extend pushes the expiry forward while the holder is still working.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err()
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
