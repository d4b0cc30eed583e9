package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

const extractionKeyPrefix = "extraction:"

// RedisCache backs the extraction cache with Redis. Entries never expire on
// their own: an unchanged page should stay a cache hit indefinitely.
type RedisCache struct {
	client *redis.Client
}

var _ ports.ExtractionCache = (*RedisCache)(nil)

// NewRedisCache wires a Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

type redisEntry struct {
	ContentHash string    `json:"content_hash"`
	PostsJSON   string    `json:"posts_json"`
	CachedAt    time.Time `json:"cached_at"`
}

// Get returns the cached entry for url, or nil when absent.
func (c *RedisCache) Get(ctx context.Context, url string) (*domain.CacheEntry, error) {
	raw, err := c.client.Get(ctx, extractionKeyPrefix+url).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", url, err)
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", url, err)
	}
	return &domain.CacheEntry{
		URL:         url,
		ContentHash: entry.ContentHash,
		PostsJSON:   entry.PostsJSON,
		CachedAt:    entry.CachedAt,
	}, nil
}

// Set stores or replaces the entry for its URL.
func (c *RedisCache) Set(ctx context.Context, entry domain.CacheEntry) error {
	raw, err := json.Marshal(redisEntry{
		ContentHash: entry.ContentHash,
		PostsJSON:   entry.PostsJSON,
		CachedAt:    entry.CachedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", entry.URL, err)
	}
	if err := c.client.Set(ctx, extractionKeyPrefix+entry.URL, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.URL, err)
	}
	return nil
}
