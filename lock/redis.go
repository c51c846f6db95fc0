/*
Package lock provides distributed run locks for the billing engine.

PURPOSE:
  billing.LocalLocker only serializes runs inside one process. When the
  API server and one or more workers share a database, the run key must be
  held somewhere they all see. RedisLocker keeps it in Redis.

ALGORITHM:
  TryLock: SET key token NX PX ttl. A random token marks the holder.
  Release: compare-and-delete in a Lua script, so a holder whose TTL ran
  out never deletes a lock taken over by someone else.

SEE ALSO:
  - billing/lock.go: RunLocker interface and retry loop
  - store/postgres: AdvisoryLocker, the database-backed alternative
*/
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/warehouse-billing/billing"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect creates a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	return client, nil
}

// RedisLocker implements billing.RunLocker with a single Redis instance.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

var _ billing.RunLocker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %s", ttl)
	}
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: set %s: %w", k, err)
	}
	if !ok {
		return nil, billing.ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("lock: release %s: %w", k, err)
		}
		return nil
	}, nil
}
