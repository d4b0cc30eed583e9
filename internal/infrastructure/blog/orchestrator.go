package blog

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/user1303836/intelstream-sub000/internal/discovery"
	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

const defaultMaxConsecutiveFailures = 3

// AnalysisResult reports which strategy, if any, can read a site.
type AnalysisResult struct {
	Success     bool
	Strategy    string
	PostCount   int
	SamplePosts []string
	FeedURL     string
	URLPattern  string
	Err         string
}

// Orchestrator is the blog source adapter. It discovers post listings
// through a fixed-priority strategy chain, remembers which strategy worked
// per source, and heals itself when a site changes shape.
type Orchestrator struct {
	repo        ports.Repository
	chain       *discovery.Chain
	extractor   ports.ContentExtractor
	feed        ports.SourceAdapter
	logger      *slog.Logger
	maxFailures int
}

// New wires the orchestrator. feed is the plain feed adapter used as the
// fast path when a source already has a known working feed. maxFailures is
// the consecutive-failure count that triggers a full re-analysis; zero or
// negative selects the default.
func New(
	repo ports.Repository,
	chain *discovery.Chain,
	extractor ports.ContentExtractor,
	feed ports.SourceAdapter,
	maxFailures int,
	logger *slog.Logger,
) *Orchestrator {
	if maxFailures <= 0 {
		maxFailures = defaultMaxConsecutiveFailures
	}
	return &Orchestrator{
		repo:        repo,
		chain:       chain,
		extractor:   extractor,
		feed:        feed,
		logger:      logger,
		maxFailures: maxFailures,
	}
}

// SourceType identifies the adapter in the registry.
func (o *Orchestrator) SourceType() domain.SourceType { return domain.SourceTypeBlog }

// GetFeedURL returns the identifier itself: a blog source is addressed by
// its page URL.
func (o *Orchestrator) GetFeedURL(_ context.Context, identifier string) (string, error) {
	return identifier, nil
}

// Analyze runs the strategy chain against a site and reports the first
// strategy that finds posts. Strategy errors are logged and skipped, so a
// broken probe never masks a later strategy.
func (o *Orchestrator) Analyze(ctx context.Context, seedURL string) AnalysisResult {
	o.info("analyzing site for blog content", "url", seedURL)

	for _, strategy := range o.chain.All() {
		result, err := strategy.Discover(ctx, seedURL, "")
		if err != nil {
			o.warn("strategy failed during analysis", "strategy", strategy.Name(), "url", seedURL, "error", err)
			continue
		}
		if result == nil || len(result.Posts) == 0 {
			continue
		}

		samples := make([]string, 0, 5)
		for _, post := range result.Posts {
			if len(samples) == 5 {
				break
			}
			samples = append(samples, post.URL)
		}
		return AnalysisResult{
			Success:     true,
			Strategy:    strategy.Name(),
			PostCount:   len(result.Posts),
			SamplePosts: samples,
			FeedURL:     result.FeedURL,
			URLPattern:  result.URLPattern,
		}
	}

	return AnalysisResult{
		Err: "unable to find blog posts on this page; it may not contain a recognizable post listing",
	}
}

// FetchLatest returns extracted content for posts not yet ingested. A known
// feed is the fast path; otherwise the cached strategy runs first and the
// rest of the chain serves as fallback, persisting whichever strategy
// succeeds. Repeated total failures trigger a full re-analysis.
func (o *Orchestrator) FetchLatest(ctx context.Context, identifier, _ string) ([]domain.ContentData, error) {
	source, err := o.repo.GetSourceByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", identifier, err)
	}
	if source == nil {
		o.warn("source not found", "identifier", identifier)
		return nil, nil
	}

	if source.DiscoveryStrategy == "feed" && source.FeedURL != "" {
		items, err := o.feed.FetchLatest(ctx, source.Identifier, source.FeedURL)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			if err := o.repo.ResetFailureCount(ctx, source.ID); err != nil {
				o.warn("reset failure count", "source_id", source.ID, "error", err)
			}
		}
		return items, nil
	}

	result := o.discoverWithFallback(ctx, source)
	if result == nil || len(result.Posts) == 0 {
		o.recordDiscoveryFailure(ctx, source)
		return nil, nil
	}

	if err := o.repo.ResetFailureCount(ctx, source.ID); err != nil {
		o.warn("reset failure count", "source_id", source.ID, "error", err)
	}

	var newPosts []domain.DiscoveredPost
	for _, post := range result.Posts {
		exists, err := o.repo.ContentItemExists(ctx, post.URL)
		if err != nil {
			return nil, fmt.Errorf("check content item %s: %w", post.URL, err)
		}
		if !exists {
			newPosts = append(newPosts, post)
		}
	}
	if len(newPosts) == 0 {
		o.debug("no new posts found", "identifier", identifier)
		return nil, nil
	}

	items := make([]domain.ContentData, 0, len(newPosts))
	for _, post := range newPosts {
		extracted, err := o.extractor.Extract(ctx, post.URL)
		if err != nil {
			o.warn("failed to extract content from post", "url", post.URL, "error", err)
			continue
		}
		items = append(items, buildContentData(post, extracted, identifier))
	}

	o.info("fetched blog content", "identifier", identifier, "new_posts", len(items))
	return items, nil
}

// buildContentData applies the fallback chain per field so every produced
// item is complete.
func buildContentData(post domain.DiscoveredPost, extracted domain.ExtractedContent, identifier string) domain.ContentData {
	title := post.Title
	if title == "" {
		title = extracted.Title
	}
	if title == "" {
		title = "Untitled"
	}

	author := extracted.Author
	if author == "" {
		author = siteName(identifier)
	}

	published := domain.UnknownDate
	if post.PublishedAt != nil {
		published = *post.PublishedAt
	} else if extracted.PublishedAt != nil {
		published = *extracted.PublishedAt
	}

	return domain.ContentData{
		ExternalID:  post.URL,
		Title:       title,
		OriginalURL: post.URL,
		Author:      author,
		PublishedAt: published,
		RawContent:  extracted.Text,
	}
}

// discoverWithFallback tries the source's cached strategy first, then the
// rest of the chain in priority order. A fallback success is persisted so
// the next poll starts at the working strategy.
func (o *Orchestrator) discoverWithFallback(ctx context.Context, source *domain.Source) *domain.DiscoveryResult {
	cached := source.DiscoveryStrategy

	if cached != "" {
		if strategy := o.chain.ByName(cached); strategy != nil {
			result, err := strategy.Discover(ctx, source.Identifier, source.URLPattern)
			if err != nil {
				o.warn("cached strategy failed, trying fallback", "strategy", cached, "url", source.Identifier, "error", err)
			} else if result != nil && len(result.Posts) > 0 {
				return result
			}
		}
	}

	for _, strategy := range o.chain.All() {
		if strategy.Name() == cached {
			continue
		}

		result, err := strategy.Discover(ctx, source.Identifier, source.URLPattern)
		if err != nil {
			o.warn("fallback strategy failed", "strategy", strategy.Name(), "url", source.Identifier, "error", err)
			continue
		}
		if result == nil || len(result.Posts) == 0 {
			continue
		}

		o.info("fallback strategy succeeded, updating source",
			"old_strategy", cached, "new_strategy", strategy.Name(), "url", source.Identifier)
		if err := o.repo.UpdateSourceDiscovery(ctx, source.ID, strategy.Name(), result.FeedURL, result.URLPattern); err != nil {
			o.warn("persist discovery strategy", "source_id", source.ID, "error", err)
		}
		return result
	}

	return nil
}

// recordDiscoveryFailure bumps the failure counter and, at the threshold,
// re-analyzes the site from scratch.
func (o *Orchestrator) recordDiscoveryFailure(ctx context.Context, source *domain.Source) {
	failures, err := o.repo.IncrementFailureCount(ctx, source.ID)
	if err != nil {
		o.warn("increment failure count", "source_id", source.ID, "error", err)
		return
	}
	if failures < o.maxFailures {
		return
	}

	o.info("re-analyzing source after consecutive failures", "identifier", source.Identifier, "failures", failures)
	analysis := o.Analyze(ctx, source.Identifier)
	if !analysis.Success || analysis.Strategy == "" {
		return
	}
	if err := o.repo.UpdateSourceDiscovery(ctx, source.ID, analysis.Strategy, analysis.FeedURL, analysis.URLPattern); err != nil {
		o.warn("persist re-analysis result", "source_id", source.ID, "error", err)
		return
	}
	if err := o.repo.ResetFailureCount(ctx, source.ID); err != nil {
		o.warn("reset failure count", "source_id", source.ID, "error", err)
	}
}

// siteName derives a presentable author fallback from the source URL.
func siteName(identifier string) string {
	parsed, err := url.Parse(identifier)
	if err != nil {
		return identifier
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")
	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return host
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func (o *Orchestrator) debug(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, args...)
	}
}

func (o *Orchestrator) info(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func (o *Orchestrator) warn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}
