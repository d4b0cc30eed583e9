package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

// PostgresCache backs the extraction cache with the extraction_cache table.
// It is the default when no Redis address is configured.
type PostgresCache struct {
	db *sql.DB
}

var _ ports.ExtractionCache = (*PostgresCache)(nil)

// NewPostgresCache wires a sql.DB implementation.
func NewPostgresCache(db *sql.DB) *PostgresCache {
	return &PostgresCache{db: db}
}

// Get returns the cached entry for url, or nil when absent.
func (c *PostgresCache) Get(ctx context.Context, url string) (*domain.CacheEntry, error) {
	query, args, err := qb.Select("url", "content_hash", "posts_json", "cached_at").
		From("extraction_cache").
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cache query: %w", err)
	}

	var entry domain.CacheEntry
	err = c.db.QueryRowContext(ctx, query, args...).
		Scan(&entry.URL, &entry.ContentHash, &entry.PostsJSON, &entry.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return &entry, nil
}

// Set upserts the entry by URL.
func (c *PostgresCache) Set(ctx context.Context, entry domain.CacheEntry) error {
	query, args, err := qb.Insert("extraction_cache").
		Columns("url", "content_hash", "posts_json", "cached_at").
		Values(entry.URL, entry.ContentHash, entry.PostsJSON, entry.CachedAt).
		Suffix(`ON CONFLICT (url) DO UPDATE
			SET content_hash = EXCLUDED.content_hash,
			    posts_json = EXCLUDED.posts_json,
			    cached_at = EXCLUDED.cached_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build cache upsert: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}
