package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes callers across instances sharing one Redis.
// TTL must exceed the longest disbursement (confirmation timeout included).
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond}
}

// NewRedisLockerFromURL parses a redis:// URL.
func NewRedisLockerFromURL(url, prefix string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opts), prefix, ttl), nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retry
	policy.MaxInterval = 10 * l.retry
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	return func() {
		// the caller's context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err()
	}, nil
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
