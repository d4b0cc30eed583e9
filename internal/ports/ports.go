package ports

import (
	"context"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/domain"
)

// SourceAdapter pulls the latest entries from one kind of origin. Transport
// failures are returned to the caller for centralized bookkeeping; per-entry
// parse failures are skipped inside the adapter.
type SourceAdapter interface {
	SourceType() domain.SourceType
	FetchLatest(ctx context.Context, identifier, feedURL string) ([]domain.ContentData, error)
	GetFeedURL(ctx context.Context, identifier string) (string, error)
}

// Repository persists sources, content items and the extraction cache.
// Upserts are atomic by key.
type Repository interface {
	AddSource(ctx context.Context, source domain.Source) (domain.Source, error)
	GetActiveSources(ctx context.Context) ([]domain.Source, error)
	GetSourceByIdentifier(ctx context.Context, identifier string) (*domain.Source, error)
	GetSourceByID(ctx context.Context, id string) (*domain.Source, error)
	UpdateSourceDiscovery(ctx context.Context, sourceID, strategy, feedURL, urlPattern string) error
	IncrementFailureCount(ctx context.Context, sourceID string) (int, error)
	ResetFailureCount(ctx context.Context, sourceID string) error
	UpdateSourceLastPolled(ctx context.Context, sourceID string) error
	SetExtractionProfile(ctx context.Context, sourceID, profileJSON string) error

	ContentItemExists(ctx context.Context, externalID string) (bool, error)
	ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]bool, error)
	AddContentItem(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error)
	LatestContentForSource(ctx context.Context, sourceID string) (*domain.ContentItem, error)
	UnsummarizedContentItems(ctx context.Context, limit int) ([]domain.ContentItem, error)
	UpdateContentItemSummary(ctx context.Context, itemID, summary string) error
	UnpostedContentItems(ctx context.Context) ([]domain.ContentItem, error)
	MarkContentItemPosted(ctx context.Context, itemID string) error
	MarkSourceItemsPosted(ctx context.Context, sourceID, excludeItemID string) (int, error)
	SourceHasPostedItems(ctx context.Context, sourceID string) (bool, error)
}

// ExtractionCache memoizes AI-assisted discovery results per page URL. It is
// process-durable so an unchanged page never re-triggers the collaborator
// across restarts.
type ExtractionCache interface {
	Get(ctx context.Context, url string) (*domain.CacheEntry, error)
	Set(ctx context.Context, entry domain.CacheEntry) error
}

// ContentExtractor pulls readable text and metadata from an article page.
// A page it cannot or must not read yields an empty result, not an error.
type ContentExtractor interface {
	Extract(ctx context.Context, pageURL string) (domain.ExtractedContent, error)
}

// TextGenerator is the text-generation collaborator. Implementations retry
// rate-limit errors internally with bounded exponential backoff.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Summarizer produces a digest for one content item.
type Summarizer interface {
	Summarize(ctx context.Context, item domain.ContentItem, sourceType domain.SourceType) (string, error)
}

// Notifier delivers a summarized item downstream (Telegram or other channels).
type Notifier interface {
	PostItem(ctx context.Context, item domain.ContentItem, source domain.Source) error
}

// Scheduler controls when pipeline cycles execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
