package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const redisPrefix = "shipyard:lock:"

// releaseScript deletes the key only while it still carries our token, so an
// expired lease never removes a lock taken over by another process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is an advisory Locker shared by processes using the same Redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a Locker whose leases expire after ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// TryLock implements Locker with SET NX PX.
func (r *Redis) TryLock(ctx context.Context, key string) (Release, error) {
	redisKey := redisPrefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("redis lock release failed", "key", key, "error", err)
				releaseErr = fmt.Errorf("release redis lock: %w", err)
			}
		})
		return releaseErr
	}, nil
}
