package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/config"
	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

// PageAdapterFactory builds a per-source page adapter from its stored
// extraction profile.
type PageAdapterFactory func(profileJSON string) (ports.SourceAdapter, error)

// PipelineDeps wires all driven adapters into the ingestion pipeline.
type PipelineDeps struct {
	Repository  ports.Repository
	Adapters    []ports.SourceAdapter
	PageFactory PageAdapterFactory
	Summarizer  ports.Summarizer
	Notifier    ports.Notifier
	Settings    config.Pipeline
	Logger      *slog.Logger
}

// Pipeline drives the polling, dedup, storage, summarization and posting
// workflow. Sources are processed one at a time, so per-source mutable state
// (failure counter, cached strategy) never needs a lock.
type Pipeline struct {
	repository  ports.Repository
	adapters    map[domain.SourceType]ports.SourceAdapter
	pageFactory PageAdapterFactory
	summarizer  ports.Summarizer
	notifier    ports.Notifier
	settings    config.Pipeline
	logger      *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// CycleStats aggregates the outcome of one pipeline cycle.
type CycleStats struct {
	SourcesPolled   int
	SourcesSkipped  int
	SourcesFailed   int
	ItemsStored     int
	ItemsSummarized int
	ItemsPosted     int
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	adapters := make(map[domain.SourceType]ports.SourceAdapter, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		if adapter != nil {
			adapters[adapter.SourceType()] = adapter
		}
	}

	return &Pipeline{
		repository:  deps.Repository,
		adapters:    adapters,
		pageFactory: deps.PageFactory,
		summarizer:  deps.Summarizer,
		notifier:    deps.Notifier,
		settings:    deps.Settings,
		logger:      deps.Logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// RunCycle executes one full fetch, summarize and post pass. A failing source
// or item never aborts the cycle; the returned stats describe what happened.
func (p *Pipeline) RunCycle(ctx context.Context) CycleStats {
	stats := p.FetchAllSources(ctx)

	summarized, err := p.SummarizePending(ctx, p.settings.SummarizeBatch)
	if err != nil {
		p.warn("summarization pass failed", "error", err)
	}
	stats.ItemsSummarized = summarized

	posted, err := p.PostPending(ctx)
	if err != nil {
		p.warn("posting pass failed", "error", err)
	}
	stats.ItemsPosted = posted

	p.info("pipeline cycle finished",
		"polled", stats.SourcesPolled,
		"skipped", stats.SourcesSkipped,
		"failed", stats.SourcesFailed,
		"stored", stats.ItemsStored,
		"summarized", stats.ItemsSummarized,
		"posted", stats.ItemsPosted)
	return stats
}

// FetchAllSources polls every active source whose poll interval has elapsed.
// Timeouts and retryable HTTP statuses bump the source's failure counter and
// the loop moves on; any success resets the counter.
func (p *Pipeline) FetchAllSources(ctx context.Context) CycleStats {
	var stats CycleStats

	sources, err := p.repository.GetActiveSources(ctx)
	if err != nil {
		p.warn("load active sources", "error", err)
		stats.SourcesFailed++
		return stats
	}

	for i, source := range sources {
		if ctx.Err() != nil {
			return stats
		}
		if i > 0 {
			p.sleep(ctx, p.settings.SourceDelay)
		}

		if !p.due(source) {
			stats.SourcesSkipped++
			continue
		}

		adapter, err := p.adapterFor(source)
		if err != nil {
			p.warn("skipping source without usable adapter", "source", source.Name, "type", source.Type, "reason", err)
			stats.SourcesSkipped++
			continue
		}

		stored, err := p.fetchSource(ctx, source, adapter)
		if err != nil {
			stats.SourcesFailed++
			failures, incErr := p.repository.IncrementFailureCount(ctx, source.ID)
			if incErr != nil {
				p.warn("increment failure count", "source", source.Name, "error", incErr)
			}
			if isSoftError(err) {
				p.warn("transient fetch failure", "source", source.Name, "failures", failures, "error", err)
			} else {
				p.warn("unexpected fetch failure", "source", source.Name, "failures", failures, "error", err)
			}
			continue
		}

		stats.SourcesPolled++
		stats.ItemsStored += stored
		if err := p.repository.ResetFailureCount(ctx, source.ID); err != nil {
			p.warn("reset failure count", "source", source.Name, "error", err)
		}
	}

	return stats
}

// fetchSource polls one source, stores every not-yet-known item and applies
// the first-poll backfill so a fresh source never floods downstream.
func (p *Pipeline) fetchSource(ctx context.Context, source domain.Source, adapter ports.SourceAdapter) (int, error) {
	firstPoll := source.LastPolledAt == nil

	items, err := adapter.FetchLatest(ctx, source.Identifier, source.FeedURL)
	if err != nil {
		return 0, err
	}
	if limit := p.settings.MaxItemsFor(source.Type); limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	stored, err := p.storeNewItems(ctx, source, items)
	if err != nil {
		return 0, err
	}

	if err := p.repository.UpdateSourceLastPolled(ctx, source.ID); err != nil {
		p.warn("update last polled", "source", source.Name, "error", err)
	}

	if firstPoll && len(stored) > 0 {
		p.backfill(ctx, source.ID, source.Name, stored)
	}

	p.debug("source polled", "source", source.Name, "fetched", len(items), "stored", len(stored))
	return len(stored), nil
}

// adapterFor resolves the adapter for a source. Page sources are served by a
// per-source adapter built from the persisted extraction profile; a page
// source without a profile cannot be polled.
func (p *Pipeline) adapterFor(source domain.Source) (ports.SourceAdapter, error) {
	if source.Type == domain.SourceTypePage {
		if source.ExtractionProfile == "" {
			return nil, errors.New("page source has no extraction profile")
		}
		if p.pageFactory == nil {
			return nil, errors.New("no page adapter factory configured")
		}
		return p.pageFactory(source.ExtractionProfile)
	}

	adapter, ok := p.adapters[source.Type]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for type %q", source.Type)
	}
	return adapter, nil
}

// storeNewItems persists every item whose external id is not yet known.
// Known ids are looked up in one batch before the insert loop.
func (p *Pipeline) storeNewItems(ctx context.Context, source domain.Source, items []domain.ContentData) ([]domain.ContentItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ExternalID != "" {
			ids = append(ids, item.ExternalID)
		}
	}
	known, err := p.repository.ExistingExternalIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load known external ids: %w", err)
	}

	var stored []domain.ContentItem
	for _, item := range items {
		if item.ExternalID == "" || known[item.ExternalID] {
			continue
		}
		known[item.ExternalID] = true

		saved, err := p.repository.AddContentItem(ctx, domain.ContentItem{
			SourceID:     source.ID,
			ExternalID:   item.ExternalID,
			Title:        item.Title,
			OriginalURL:  item.OriginalURL,
			Author:       item.Author,
			PublishedAt:  item.PublishedAt,
			RawContent:   item.RawContent,
			ThumbnailURL: item.ThumbnailURL,
		})
		if err != nil {
			return stored, fmt.Errorf("store item %s: %w", item.ExternalID, err)
		}
		stored = append(stored, saved)
	}
	return stored, nil
}

// backfill keeps only the most recently published of the just-stored items
// eligible for downstream delivery and marks the rest as already delivered.
func (p *Pipeline) backfill(ctx context.Context, sourceID, sourceName string, stored []domain.ContentItem) {
	keep := stored[0]
	for _, item := range stored[1:] {
		if item.PublishedAt.After(keep.PublishedAt) {
			keep = item
		}
	}

	marked, err := p.repository.MarkSourceItemsPosted(ctx, sourceID, keep.ID)
	if err != nil {
		p.warn("first-poll backfill", "source", sourceName, "error", err)
		return
	}
	if marked > 0 {
		p.info("first poll: backfilled older items", "source", sourceName, "kept", keep.Title, "backfilled", marked)
	}
}

// SummarizePending summarizes up to max pending items, one at a time with an
// inter-call delay. A failing item stays unsummarized for a later cycle.
func (p *Pipeline) SummarizePending(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = 10
	}

	items, err := p.repository.UnsummarizedContentItems(ctx, max)
	if err != nil {
		return 0, fmt.Errorf("load pending items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	sources := map[string]*domain.Source{}
	kept := p.lazyBackfill(ctx, items, sources)

	summarized := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return summarized, ctx.Err()
		}
		if keepID, ok := kept[item.SourceID]; ok && item.ID != keepID {
			continue
		}

		source, err := p.sourceByID(ctx, item.SourceID, sources)
		if err != nil || source == nil {
			p.warn("summarize: source lookup failed", "item_id", item.ID, "source_id", item.SourceID, "error", err)
			continue
		}

		if summarized > 0 {
			p.sleep(ctx, p.settings.SummarizeDelay)
		}

		summary, err := p.summarizer.Summarize(ctx, item, source.Type)
		if err != nil {
			p.warn("summarize item failed", "item_id", item.ID, "title", item.Title, "error", err)
			continue
		}
		if err := p.repository.UpdateContentItemSummary(ctx, item.ID, summary); err != nil {
			p.warn("persist summary", "item_id", item.ID, "error", err)
			continue
		}
		summarized++
	}

	return summarized, nil
}

// lazyBackfill applies the first-delivery rule to every source represented in
// the batch that has never posted anything. It catches sources that predate
// the first-poll flag; the per-source result maps source id to the single
// item id left eligible.
func (p *Pipeline) lazyBackfill(ctx context.Context, items []domain.ContentItem, sources map[string]*domain.Source) map[string]string {
	kept := map[string]string{}
	seen := map[string]bool{}

	for _, item := range items {
		if seen[item.SourceID] {
			continue
		}
		seen[item.SourceID] = true

		posted, err := p.repository.SourceHasPostedItems(ctx, item.SourceID)
		if err != nil {
			p.warn("check posted history", "source_id", item.SourceID, "error", err)
			continue
		}
		if posted {
			continue
		}

		latest, err := p.repository.LatestContentForSource(ctx, item.SourceID)
		if err != nil || latest == nil {
			if err != nil {
				p.warn("load latest item", "source_id", item.SourceID, "error", err)
			}
			continue
		}

		marked, err := p.repository.MarkSourceItemsPosted(ctx, item.SourceID, latest.ID)
		if err != nil {
			p.warn("lazy backfill", "source_id", item.SourceID, "error", err)
			continue
		}
		kept[item.SourceID] = latest.ID
		if marked > 0 {
			source, _ := p.sourceByID(ctx, item.SourceID, sources)
			name := item.SourceID
			if source != nil {
				name = source.Name
			}
			p.info("backfilled source with no delivery history", "source", name, "backfilled", marked)
		}
	}

	return kept
}

// PostPending delivers every summarized, not-yet-posted item downstream.
func (p *Pipeline) PostPending(ctx context.Context) (int, error) {
	if p.notifier == nil {
		return 0, nil
	}

	items, err := p.repository.UnpostedContentItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unposted items: %w", err)
	}

	sources := map[string]*domain.Source{}
	posted := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return posted, ctx.Err()
		}

		source, err := p.sourceByID(ctx, item.SourceID, sources)
		if err != nil || source == nil {
			p.warn("post: source lookup failed", "item_id", item.ID, "source_id", item.SourceID, "error", err)
			continue
		}

		if err := p.notifier.PostItem(ctx, item, *source); err != nil {
			p.warn("post item failed", "item_id", item.ID, "title", item.Title, "error", err)
			continue
		}
		if err := p.repository.MarkContentItemPosted(ctx, item.ID); err != nil {
			p.warn("mark item posted", "item_id", item.ID, "error", err)
			continue
		}
		posted++
	}

	return posted, nil
}

func (p *Pipeline) sourceByID(ctx context.Context, id string, cache map[string]*domain.Source) (*domain.Source, error) {
	if source, ok := cache[id]; ok {
		return source, nil
	}
	source, err := p.repository.GetSourceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = source
	return source, nil
}

// due reports whether the source's poll interval has elapsed. A per-source
// interval overrides the type default; a never-polled source is always due.
func (p *Pipeline) due(source domain.Source) bool {
	if source.LastPolledAt == nil {
		return true
	}
	interval := source.PollInterval
	if interval <= 0 {
		interval = p.settings.PollIntervalFor(source.Type)
	}
	if interval <= 0 {
		return true
	}
	return p.now().Sub(*source.LastPolledAt) >= interval
}

// isSoftError classifies failures that are expected from flaky or protective
// origins: timeouts plus the auth/not-found/rate-limit/server status family.
func isSoftError(err error) bool {
	var statusErr *webclient.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
			return true
		}
		return statusErr.Code >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pipeline) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
