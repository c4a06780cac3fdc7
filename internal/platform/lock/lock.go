// Package lock provides a best-effort distributed mutex on Redis so that only
// one instance runs the escalation scan at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock. Release it when the guarded work is done.
type Lease struct {
	key   string
	token string
}

func (l *Lease) Key() string { return l.key }

// RedisLocker acquires leases with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "triage:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire tries once to take name for ttl. It returns (nil, nil) when another
// holder has it.
func (r *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := r.prefix + name
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{key: key, token: token}, nil
}

func (r *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", lease.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
