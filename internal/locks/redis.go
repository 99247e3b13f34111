package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisCommander is the subset of go-redis used by RedisLocker.
type RedisCommander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker serializes holders across processes with SET NX PX. A holder that
// crashes loses the lock after TTL.
type RedisLocker struct {
	client RedisCommander
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client RedisCommander, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: "lock:", ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	delay := r.poll
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 250*time.Millisecond {
			delay *= 2
		}
	}
	return func() {
		// release must succeed even when the caller's ctx is already done
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.client.Eval(rctx, releaseScript, []string{k}, token).Err(); err != nil {
			r.logger.Warn("lock release failed", "key", key, "error", err)
		}
	}, nil
}
