package forwarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"natforward/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// RangeLocker serializes port reservations that scan the same range.
type RangeLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RangeKey is the lock key for a port range.
func RangeKey(r config.PortRange) string {
	return "natforward:range:" + r.String()
}

// LocalLocker locks ranges within this process.
type LocalLocker struct {
	slots cmap.ConcurrentMap[string, chan struct{}]
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: cmap.New[chan struct{}]()}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.slots.SetIfAbsent(key, make(chan struct{}, 1))
	slot, _ := l.slots.Get(key)

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker locks ranges across processes sharing one redis.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

func NewRedisLocker(client redis.Cmdable, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, retry: 50 * time.Millisecond, log: log}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn().Err(err).Str("key", key).Msg("Failed to release range lock")
		}
	}, nil
}
