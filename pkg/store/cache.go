package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache holds short-lived snapshots such as resolved gallery policies.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is a bounded in-process cache. Every entry shares the TTL given
// at construction; per-call ttl values shorter than that are honored by
// storing the deadline alongside the value.
type MemoryCache struct {
	lru *expirable.LRU[string, memItem]
}

type memItem struct {
	value     string
	expiresAt time.Time
}

const memoryCacheSize = 4096

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryCache{lru: expirable.NewLRU[string, memItem](memoryCacheSize, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	item, ok := m.lru.Get(key)
	if !ok {
		return "", ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		m.lru.Remove(key)
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	item := memItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.lru.Add(key, item)
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client, ttl time.Duration) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client)
		}
	}
	return NewMemoryCache(ttl)
}
