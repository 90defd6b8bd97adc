package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const defaultCacheTTL = 24 * time.Hour

// CachedStore keeps the latest conversation row in Redis in front of a
// durable Store. Every write goes to the durable store first and then drops
// the cached copy, so Redis never holds state the store does not.
type CachedStore struct {
	Store
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

// NewCachedStore wraps store with a Redis read-through cache.
func NewCachedStore(store Store, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedStore {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedStore{
		Store:  store,
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("dentaldesk.internal.conversation.cache"),
		logger: logger,
	}
}

func cacheKey(key string) string {
	return fmt.Sprintf("conversation:%s", key)
}

func (s *CachedStore) Load(ctx context.Context, key string) (*Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.cache.load", trace.WithAttributes(attribute.String("conversation.key", key)))
	defer span.End()

	data, err := s.redis.Get(ctx, cacheKey(key)).Bytes()
	switch {
	case err == nil:
		var c Conversation
		if err := json.Unmarshal(data, &c); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &c, nil
		}
		s.logger.Warn("dropping undecodable cached conversation", "conversation_key", key)
		s.invalidate(ctx, key)
	case !errors.Is(err, redis.Nil):
		span.RecordError(err)
		s.logger.Warn("conversation cache read failed", "conversation_key", key, "error", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	c, err := s.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		if err := s.redis.Set(ctx, cacheKey(key), data, s.ttl).Err(); err != nil {
			span.RecordError(err)
			s.logger.Warn("conversation cache write failed", "conversation_key", key, "error", err)
		}
	}
	return c, nil
}

func (s *CachedStore) NextSequence(ctx context.Context, key string, at time.Time) (int64, error) {
	seq, err := s.Store.NextSequence(ctx, key, at)
	s.invalidate(ctx, key)
	return seq, err
}

func (s *CachedStore) Commit(ctx context.Context, c Commit) error {
	err := s.Store.Commit(ctx, c)
	s.invalidate(ctx, c.Key)
	return err
}

func (s *CachedStore) Quarantine(ctx context.Context, key, reason string, at time.Time) error {
	err := s.Store.Quarantine(ctx, key, reason, at)
	s.invalidate(ctx, key)
	return err
}

func (s *CachedStore) Release(ctx context.Context, key string, at time.Time) error {
	err := s.Store.Release(ctx, key, at)
	s.invalidate(ctx, key)
	return err
}

func (s *CachedStore) Close(ctx context.Context, key, reason string, at time.Time) error {
	err := s.Store.Close(ctx, key, reason, at)
	s.invalidate(ctx, key)
	return err
}

func (s *CachedStore) MarkArchived(ctx context.Context, key string, at time.Time) error {
	err := s.Store.MarkArchived(ctx, key, at)
	s.invalidate(ctx, key)
	return err
}

// invalidate runs on a context detached from cancellation so a timed-out
// write still drops the cached row.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.redis.Del(ctx, cacheKey(key)).Err(); err != nil {
		s.logger.Warn("conversation cache invalidation failed", "conversation_key", key, "error", err)
	}
}
