// Package lock keeps two ingestion runs from overlapping using a redis key.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

// ErrHeld is returned by Lock when another run owns the key
var ErrHeld = errors.New("run lock is held by another process")

// releaseScript deletes the key only if it still carries our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLock implements ingest.Locker
type RedisLock struct {
	client client
	key    string
	ttl    time.Duration
	logger logger.Logger
}

// New returns a lock on key. ttl bounds how long a crashed holder blocks later runs.
func New(rdb *redis.Client, key string, ttl time.Duration, log logger.Logger) *RedisLock {
	return newLock(rdb, key, ttl, log)
}

func newLock(c client, key string, ttl time.Duration, log logger.Logger) *RedisLock {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisLock{client: c, key: key, ttl: ttl, logger: log.WithField("component", "lock")}
}

// Lock acquires the key or fails with ErrHeld. The returned func releases it.
func (l *RedisLock) Lock(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, errs.Transient("acquire_lock", fmt.Errorf("redis SETNX %s: %w", l.key, err))
	}
	if !ok {
		return nil, errs.Wrap(errs.ErrorTypeConfig, "acquire_lock", fmt.Errorf("%w: %s", ErrHeld, l.key))
	}

	l.logger.DebugWithFields("Run lock acquired", map[string]interface{}{"key": l.key, "ttl": l.ttl.String()})

	return func(ctx context.Context) error {
		n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release run lock: %w", err)
		}
		if n == 0 {
			l.logger.WarnWithFields("Run lock expired before release", map[string]interface{}{"key": l.key})
		}
		return nil
	}, nil
}
