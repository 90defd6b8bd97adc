package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dentaldesk/internal/compliance"
	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/lock"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// RedisLocker joins prefix and key with ":". The publisher already scopes its
// keys as "enqueue:<key>", so enqueue leases land on dentaldesk:lock:enqueue:<key>.
const (
	workerLockPrefix  = "dentaldesk:lock:conversation"
	enqueueLockPrefix = "dentaldesk:lock"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildPostgresPool connects to DATABASE_URL. It returns nil when the memory
// store is selected.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	if cfg == nil || cfg.UseMemoryStore || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("postgres connected")
	return pool, nil
}

// BuildAuditService opens the audit database. The returned *sql.DB must be
// closed by the caller; both are nil when auditing is not configured.
func BuildAuditService(cfg *appconfig.Config, logger *logging.Logger) (*compliance.AuditService, *sql.DB, error) {
	if cfg == nil || cfg.UseMemoryStore || strings.TrimSpace(cfg.AuditDatabaseURL) == "" {
		return nil, nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	db, err := sql.Open("postgres", cfg.AuditDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: open audit db: %w", err)
	}
	logger.Info("compliance audit trail enabled")
	return compliance.NewAuditService(db), db, nil
}

// BuildLocker returns a Redis lease locker when Redis is available and an
// in-process keyed mutex otherwise.
func BuildLocker(redisClient *redis.Client, prefix string, logger *logging.Logger) lock.Locker {
	if redisClient == nil {
		return lock.NewKeyedMutex()
	}
	return lock.NewRedisLocker(redisClient, prefix, logger)
}
