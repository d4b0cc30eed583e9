package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const sourceColumns = "id, type, name, identifier, feed_url, extraction_profile, discovery_strategy, url_pattern, consecutive_failures, poll_interval_seconds, is_active, last_polled_at, created_at"

const contentColumns = "id, source_id, external_id, title, original_url, author, published_at, raw_content, summary, thumbnail_url, posted, created_at"

// PostgresRepository persists sources and content items into Postgres.
type PostgresRepository struct {
	db *sql.DB
}

var _ ports.Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			identifier TEXT NOT NULL UNIQUE,
			feed_url TEXT NOT NULL DEFAULT '',
			extraction_profile TEXT NOT NULL DEFAULT '',
			discovery_strategy TEXT NOT NULL DEFAULT '',
			url_pattern TEXT NOT NULL DEFAULT '',
			consecutive_failures INT NOT NULL DEFAULT 0,
			poll_interval_seconds BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_polled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS content_items (
			id UUID PRIMARY KEY,
			source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			original_url TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ NOT NULL,
			raw_content TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			thumbnail_url TEXT NOT NULL DEFAULT '',
			posted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_source ON content_items (source_id)`,
		`CREATE TABLE IF NOT EXISTS extraction_cache (
			url TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			posts_json TEXT NOT NULL,
			cached_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AddSource inserts a new source, generating its ID when absent.
func (r *PostgresRepository) AddSource(ctx context.Context, source domain.Source) (domain.Source, error) {
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}

	query, args, err := qb.Insert("sources").
		Columns("id", "type", "name", "identifier", "feed_url", "extraction_profile",
			"discovery_strategy", "url_pattern", "consecutive_failures",
			"poll_interval_seconds", "is_active", "last_polled_at", "created_at").
		Values(source.ID, string(source.Type), source.Name, source.Identifier, source.FeedURL,
			source.ExtractionProfile, source.DiscoveryStrategy, source.URLPattern,
			source.ConsecutiveFailures, int64(source.PollInterval/time.Second),
			source.IsActive, source.LastPolledAt, source.CreatedAt).
		ToSql()
	if err != nil {
		return domain.Source{}, fmt.Errorf("build insert source: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.Source{}, fmt.Errorf("insert source: %w", err)
	}
	return source, nil
}

// GetActiveSources returns pollable sources in creation order.
func (r *PostgresRepository) GetActiveSources(ctx context.Context) ([]domain.Source, error) {
	query, args, err := qb.Select(sourceColumns).
		From("sources").
		Where(sq.Eq{"is_active": true}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select sources: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return sources, nil
}

// GetSourceByIdentifier returns the source addressed by identifier, or nil.
func (r *PostgresRepository) GetSourceByIdentifier(ctx context.Context, identifier string) (*domain.Source, error) {
	return r.getSource(ctx, sq.Eq{"identifier": identifier})
}

// GetSourceByID returns the source with the given ID, or nil.
func (r *PostgresRepository) GetSourceByID(ctx context.Context, id string) (*domain.Source, error) {
	return r.getSource(ctx, sq.Eq{"id": id})
}

func (r *PostgresRepository) getSource(ctx context.Context, cond sq.Eq) (*domain.Source, error) {
	query, args, err := qb.Select(sourceColumns).From("sources").Where(cond).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select source: %w", err)
	}

	source, err := scanSource(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &source, nil
}

// UpdateSourceDiscovery persists the working strategy and its hints.
func (r *PostgresRepository) UpdateSourceDiscovery(ctx context.Context, sourceID, strategy, feedURL, urlPattern string) error {
	query, args, err := qb.Update("sources").
		Set("discovery_strategy", strategy).
		Set("feed_url", feedURL).
		Set("url_pattern", urlPattern).
		Where(sq.Eq{"id": sourceID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update discovery: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update discovery: %w", err)
	}
	return nil
}

// IncrementFailureCount bumps and returns the consecutive failure counter.
func (r *PostgresRepository) IncrementFailureCount(ctx context.Context, sourceID string) (int, error) {
	query, args, err := qb.Update("sources").
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Where(sq.Eq{"id": sourceID}).
		Suffix("RETURNING consecutive_failures").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build increment failures: %w", err)
	}

	var failures int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&failures); err != nil {
		return 0, fmt.Errorf("increment failures: %w", err)
	}
	return failures, nil
}

// ResetFailureCount zeroes the consecutive failure counter.
func (r *PostgresRepository) ResetFailureCount(ctx context.Context, sourceID string) error {
	return r.updateSource(ctx, sourceID, "consecutive_failures", 0)
}

// UpdateSourceLastPolled stamps the source with the current time.
func (r *PostgresRepository) UpdateSourceLastPolled(ctx context.Context, sourceID string) error {
	return r.updateSource(ctx, sourceID, "last_polled_at", time.Now().UTC())
}

// SetExtractionProfile stores the selector profile JSON for a page source.
func (r *PostgresRepository) SetExtractionProfile(ctx context.Context, sourceID, profileJSON string) error {
	return r.updateSource(ctx, sourceID, "extraction_profile", profileJSON)
}

func (r *PostgresRepository) updateSource(ctx context.Context, sourceID, column string, value any) error {
	query, args, err := qb.Update("sources").
		Set(column, value).
		Where(sq.Eq{"id": sourceID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update %s: %w", column, err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

// ContentItemExists reports whether an item with externalID was already
// ingested.
func (r *PostgresRepository) ContentItemExists(ctx context.Context, externalID string) (bool, error) {
	query, args, err := qb.Select("1").
		From("content_items").
		Where(sq.Eq{"external_id": externalID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var one int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exists: %w", err)
	}
	return true, nil
}

// ExistingExternalIDs returns which of the given IDs are already ingested.
func (r *PostgresRepository) ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(externalIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT external_id FROM content_items WHERE external_id = ANY($1)`,
		pq.StringArray(externalIDs))
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// AddContentItem inserts an item; the external_id unique constraint makes
// re-insertion a no-op.
func (r *PostgresRepository) AddContentItem(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	query, args, err := qb.Insert("content_items").
		Columns("id", "source_id", "external_id", "title", "original_url", "author",
			"published_at", "raw_content", "summary", "thumbnail_url", "posted", "created_at").
		Values(item.ID, item.SourceID, item.ExternalID, item.Title, item.OriginalURL,
			item.Author, item.PublishedAt, item.RawContent, item.Summary,
			item.ThumbnailURL, item.Posted, item.CreatedAt).
		Suffix("ON CONFLICT (external_id) DO NOTHING").
		ToSql()
	if err != nil {
		return domain.ContentItem{}, fmt.Errorf("build insert item: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.ContentItem{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// LatestContentForSource returns the newest item by publish date, or nil.
func (r *PostgresRepository) LatestContentForSource(ctx context.Context, sourceID string) (*domain.ContentItem, error) {
	query, args, err := qb.Select(contentColumns).
		From("content_items").
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("published_at DESC", "created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build latest query: %w", err)
	}

	item, err := scanContentItem(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UnsummarizedContentItems returns items with raw content but no summary,
// oldest first.
func (r *PostgresRepository) UnsummarizedContentItems(ctx context.Context, limit int) ([]domain.ContentItem, error) {
	query, args, err := qb.Select(contentColumns).
		From("content_items").
		Where(sq.Eq{"summary": ""}).
		Where(sq.NotEq{"raw_content": ""}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unsummarized query: %w", err)
	}
	return r.queryContentItems(ctx, query, args)
}

// UpdateContentItemSummary stores the generated summary.
func (r *PostgresRepository) UpdateContentItemSummary(ctx context.Context, itemID, summary string) error {
	query, args, err := qb.Update("content_items").
		Set("summary", summary).
		Where(sq.Eq{"id": itemID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update summary: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

// UnpostedContentItems returns summarized items not yet delivered, oldest
// first.
func (r *PostgresRepository) UnpostedContentItems(ctx context.Context) ([]domain.ContentItem, error) {
	query, args, err := qb.Select(contentColumns).
		From("content_items").
		Where(sq.Eq{"posted": false}).
		Where(sq.NotEq{"summary": ""}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unposted query: %w", err)
	}
	return r.queryContentItems(ctx, query, args)
}

// MarkContentItemPosted flags one item as delivered.
func (r *PostgresRepository) MarkContentItemPosted(ctx context.Context, itemID string) error {
	query, args, err := qb.Update("content_items").
		Set("posted", true).
		Where(sq.Eq{"id": itemID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark posted: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	return nil
}

// MarkSourceItemsPosted flags every unposted item of a source except the
// excluded one, returning how many rows changed. Used by the first-poll
// backfill.
func (r *PostgresRepository) MarkSourceItemsPosted(ctx context.Context, sourceID, excludeItemID string) (int, error) {
	builder := qb.Update("content_items").
		Set("posted", true).
		Where(sq.Eq{"source_id": sourceID, "posted": false})
	if excludeItemID != "" {
		builder = builder.Where(sq.NotEq{"id": excludeItemID})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build backfill update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("backfill update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill rows affected: %w", err)
	}
	return int(affected), nil
}

// SourceHasPostedItems reports whether any item of the source was already
// delivered.
func (r *PostgresRepository) SourceHasPostedItems(ctx context.Context, sourceID string) (bool, error) {
	query, args, err := qb.Select("1").
		From("content_items").
		Where(sq.Eq{"source_id": sourceID, "posted": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build posted query: %w", err)
	}

	var one int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query posted: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) queryContentItems(ctx context.Context, query string, args []any) ([]domain.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.ContentItem
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (domain.Source, error) {
	var (
		source       domain.Source
		sourceType   string
		intervalSecs int64
		lastPolled   sql.NullTime
	)
	err := row.Scan(&source.ID, &sourceType, &source.Name, &source.Identifier,
		&source.FeedURL, &source.ExtractionProfile, &source.DiscoveryStrategy,
		&source.URLPattern, &source.ConsecutiveFailures, &intervalSecs,
		&source.IsActive, &lastPolled, &source.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Source{}, err
		}
		return domain.Source{}, fmt.Errorf("scan source: %w", err)
	}

	source.Type = domain.SourceType(sourceType)
	source.PollInterval = time.Duration(intervalSecs) * time.Second
	if lastPolled.Valid {
		t := lastPolled.Time
		source.LastPolledAt = &t
	}
	return source, nil
}

func scanContentItem(row rowScanner) (domain.ContentItem, error) {
	var item domain.ContentItem
	err := row.Scan(&item.ID, &item.SourceID, &item.ExternalID, &item.Title,
		&item.OriginalURL, &item.Author, &item.PublishedAt, &item.RawContent,
		&item.Summary, &item.ThumbnailURL, &item.Posted, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ContentItem{}, err
		}
		return domain.ContentItem{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}
