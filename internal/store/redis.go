package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the subset of the Redis client the cached store uses.
// *redis.Client satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and then bump the document generation;
// reads check the current generation's key first then fall back to the
// primary. A read that raced a write repopulates a retired generation, so
// it is never served.
type CachedStore[V any] struct {
	primary Store[V]
	rdb     Cache
	ttl     time.Duration
	name    string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore[V any](primary Store[V], rdb Cache, name string, ttl time.Duration) *CachedStore[V] {
	return &CachedStore[V]{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		name:    name,
	}
}

// --- Read-through ---

func (s *CachedStore[V]) Load(ctx context.Context) (map[string]V, error) {
	gen, err := s.rdb.Get(ctx, generationKey(s.name)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		// Redis down: serve from the primary without caching.
		slog.Warn("entry cache unavailable", "doc", s.name, "err", err)
		return s.primary.Load(ctx)
	}
	key := documentKey(s.name, gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cached map[string]V
		if json.Unmarshal(data, &cached) == nil {
			return normalizeKeys(cached), nil
		}
	}

	// Cache miss: read from primary.
	loaded, err := s.primary.Load(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(loaded); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return loaded, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore[V]) Save(ctx context.Context, data map[string]V) error {
	if err := s.primary.Save(ctx, data); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore[V]) SetOne(ctx context.Context, symbol string, value V) error {
	if err := s.primary.SetOne(ctx, symbol, value); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore[V]) Delete(ctx context.Context, symbol string) error {
	if err := s.primary.Delete(ctx, symbol); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore[V]) Update(ctx context.Context, fn func(map[string]V) error) error {
	if err := s.primary.Update(ctx, fn); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// invalidate retires the current generation. Old generation keys expire
// with the TTL.
func (s *CachedStore[V]) invalidate(ctx context.Context) {
	if err := s.rdb.Incr(ctx, generationKey(s.name)).Err(); err != nil {
		slog.Warn("entry cache invalidation failed", "doc", s.name, "err", err)
	}
}

func generationKey(name string) string { return fmt.Sprintf("entries:%s:gen", name) }

func documentKey(name string, gen int64) string { return fmt.Sprintf("entries:%s:v%d", name, gen) }
