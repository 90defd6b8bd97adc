package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const (
	defaultLeaseTTL     = 90 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

// compare-and-delete so an expired holder never frees a newer lease
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extends the lease only while this holder still owns it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease lock shared by every process pointed at the same Redis.
// A held lease is renewed every ttl/3 until release, so work may outlast ttl;
// a crashed holder stops renewing and its lease expires after ttl.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *logging.Logger
}

// RedisOption customizes a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLeaseTTL sets how long a lease survives once its holder stops renewing it.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(interval time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if interval > 0 {
			l.poll = interval
		}
	}
}

// NewRedisLocker builds a locker storing leases under "<prefix>:<key>".
func NewRedisLocker(client *redis.Client, prefix string, logger *logging.Logger, opts ...RedisOption) *RedisLocker {
	if client == nil {
		panic("lock: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = "lock"
	}
	l := &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    defaultLeaseTTL,
		poll:   defaultPollInterval,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire polls SET NX until the lease is won or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if ctx == nil {
		ctx = context.Background()
	}
	redisKey := l.redisKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go l.renew(renewCtx, redisKey, token, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewed
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("failed to release redis lease", "error", err, "key", redisKey)
			}
		})
	}
}

func (l *RedisLocker) renew(ctx context.Context, redisKey, token string, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.logger.Warn("failed to renew redis lease", "error", err, "key", redisKey)
		case held == 0:
			l.logger.Warn("redis lease lost before release", "key", redisKey)
			return
		}
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}
