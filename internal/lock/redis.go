package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/undp-data/dfpp/internal/logger"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a key.
	DefaultTTL = 5 * time.Minute

	// DefaultRetryDelay is the delay between acquisition attempts.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultPrefix namespaces lock keys.
	DefaultPrefix = "dfpp:lock:"
)

// ErrNotHeld is returned when releasing a lock whose token no longer
// matches, usually because the TTL expired.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	Prefix     string
}

// RedisLocker is a Locker shared by every process using the same Redis.
// Each acquisition holds a fresh random token so only the holder can
// release it.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	log    logger.Logger
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client *redis.Client, cfg RedisConfig, log logger.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, log: log}
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done; release regardless.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.release(ctx, redisKey, token); err != nil {
				l.log.Warn("Failed to release lock",
					logger.String("key", key),
					logger.Error(err),
				)
			}
		})
	}, nil
}

func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
