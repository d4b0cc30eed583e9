package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/config"
	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

type markCall struct {
	sourceID string
	exclude  string
}

type pipeRepo struct {
	sources map[string]*domain.Source
	active  []domain.Source
	items   []domain.ContentItem
	nextID  int

	incrementCalls []string
	resetCalls     []string
	polledCalls    []string
	markCalls      []markCall
}

func newPipeRepo(sources ...domain.Source) *pipeRepo {
	repo := &pipeRepo{sources: map[string]*domain.Source{}}
	for i := range sources {
		src := sources[i]
		repo.sources[src.ID] = &src
		repo.active = append(repo.active, src)
	}
	return repo
}

func (r *pipeRepo) AddSource(_ context.Context, source domain.Source) (domain.Source, error) {
	r.sources[source.ID] = &source
	return source, nil
}

func (r *pipeRepo) GetActiveSources(context.Context) ([]domain.Source, error) {
	return r.active, nil
}

func (r *pipeRepo) GetSourceByIdentifier(_ context.Context, identifier string) (*domain.Source, error) {
	for _, src := range r.sources {
		if src.Identifier == identifier {
			return src, nil
		}
	}
	return nil, nil
}

func (r *pipeRepo) GetSourceByID(_ context.Context, id string) (*domain.Source, error) {
	return r.sources[id], nil
}

func (r *pipeRepo) UpdateSourceDiscovery(_ context.Context, sourceID, strategy, feedURL, urlPattern string) error {
	if src, ok := r.sources[sourceID]; ok {
		src.DiscoveryStrategy = strategy
		src.FeedURL = feedURL
		src.URLPattern = urlPattern
	}
	return nil
}

func (r *pipeRepo) IncrementFailureCount(_ context.Context, sourceID string) (int, error) {
	r.incrementCalls = append(r.incrementCalls, sourceID)
	if src, ok := r.sources[sourceID]; ok {
		src.ConsecutiveFailures++
		return src.ConsecutiveFailures, nil
	}
	return 0, nil
}

func (r *pipeRepo) ResetFailureCount(_ context.Context, sourceID string) error {
	r.resetCalls = append(r.resetCalls, sourceID)
	if src, ok := r.sources[sourceID]; ok {
		src.ConsecutiveFailures = 0
	}
	return nil
}

func (r *pipeRepo) UpdateSourceLastPolled(_ context.Context, sourceID string) error {
	r.polledCalls = append(r.polledCalls, sourceID)
	if src, ok := r.sources[sourceID]; ok {
		now := time.Now().UTC()
		src.LastPolledAt = &now
	}
	return nil
}

func (r *pipeRepo) SetExtractionProfile(_ context.Context, sourceID, profileJSON string) error {
	if src, ok := r.sources[sourceID]; ok {
		src.ExtractionProfile = profileJSON
	}
	return nil
}

func (r *pipeRepo) ContentItemExists(_ context.Context, externalID string) (bool, error) {
	for _, item := range r.items {
		if item.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (r *pipeRepo) ExistingExternalIDs(_ context.Context, externalIDs []string) (map[string]bool, error) {
	known := map[string]bool{}
	for _, id := range externalIDs {
		if ok, _ := r.ContentItemExists(context.Background(), id); ok {
			known[id] = true
		}
	}
	return known, nil
}

func (r *pipeRepo) AddContentItem(_ context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	r.nextID++
	item.ID = fmt.Sprintf("item-%d", r.nextID)
	r.items = append(r.items, item)
	return item, nil
}

func (r *pipeRepo) LatestContentForSource(_ context.Context, sourceID string) (*domain.ContentItem, error) {
	var latest *domain.ContentItem
	for i := range r.items {
		item := &r.items[i]
		if item.SourceID != sourceID {
			continue
		}
		if latest == nil || item.PublishedAt.After(latest.PublishedAt) {
			latest = item
		}
	}
	return latest, nil
}

func (r *pipeRepo) UnsummarizedContentItems(_ context.Context, limit int) ([]domain.ContentItem, error) {
	var pending []domain.ContentItem
	for _, item := range r.items {
		if item.Summary == "" && item.RawContent != "" {
			pending = append(pending, item)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (r *pipeRepo) UpdateContentItemSummary(_ context.Context, itemID, summary string) error {
	for i := range r.items {
		if r.items[i].ID == itemID {
			r.items[i].Summary = summary
		}
	}
	return nil
}

func (r *pipeRepo) UnpostedContentItems(context.Context) ([]domain.ContentItem, error) {
	var pending []domain.ContentItem
	for _, item := range r.items {
		if !item.Posted && item.Summary != "" {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

func (r *pipeRepo) MarkContentItemPosted(_ context.Context, itemID string) error {
	for i := range r.items {
		if r.items[i].ID == itemID {
			r.items[i].Posted = true
		}
	}
	return nil
}

func (r *pipeRepo) MarkSourceItemsPosted(_ context.Context, sourceID, excludeItemID string) (int, error) {
	r.markCalls = append(r.markCalls, markCall{sourceID: sourceID, exclude: excludeItemID})
	marked := 0
	for i := range r.items {
		item := &r.items[i]
		if item.SourceID != sourceID || item.Posted || item.ID == excludeItemID {
			continue
		}
		item.Posted = true
		marked++
	}
	return marked, nil
}

func (r *pipeRepo) SourceHasPostedItems(_ context.Context, sourceID string) (bool, error) {
	for _, item := range r.items {
		if item.SourceID == sourceID && item.Posted {
			return true, nil
		}
	}
	return false, nil
}

func (r *pipeRepo) itemByExternalID(externalID string) *domain.ContentItem {
	for i := range r.items {
		if r.items[i].ExternalID == externalID {
			return &r.items[i]
		}
	}
	return nil
}

var _ ports.Repository = (*pipeRepo)(nil)

type stubAdapter struct {
	typ   domain.SourceType
	items []domain.ContentData
	err   error
	calls int
}

func (a *stubAdapter) SourceType() domain.SourceType { return a.typ }

func (a *stubAdapter) FetchLatest(context.Context, string, string) ([]domain.ContentData, error) {
	a.calls++
	return a.items, a.err
}

func (a *stubAdapter) GetFeedURL(_ context.Context, identifier string) (string, error) {
	return identifier, nil
}

type stubSummarizer struct {
	err   error
	calls []string
}

func (s *stubSummarizer) Summarize(_ context.Context, item domain.ContentItem, _ domain.SourceType) (string, error) {
	s.calls = append(s.calls, item.ID)
	if s.err != nil {
		return "", s.err
	}
	return "summary of " + item.Title, nil
}

type stubNotifier struct {
	err   error
	calls []string
}

func (n *stubNotifier) PostItem(_ context.Context, item domain.ContentItem, _ domain.Source) error {
	n.calls = append(n.calls, item.ID)
	return n.err
}

func pipelineSettings() config.Pipeline {
	return config.Pipeline{
		DefaultPollEvery: 30 * time.Minute,
		SummarizeBatch:   10,
		MaxItemsPerFetch: 20,
	}
}

func feedSource(id string) domain.Source {
	return domain.Source{
		ID:         id,
		Type:       domain.SourceTypeFeed,
		Name:       "Feed " + id,
		Identifier: "https://" + id + ".example.com/feed",
		IsActive:   true,
	}
}

func feedItems(count int) []domain.ContentData {
	items := make([]domain.ContentData, 0, count)
	for day := 1; day <= count; day++ {
		items = append(items, domain.ContentData{
			ExternalID:  fmt.Sprintf("post-%d", day),
			Title:       fmt.Sprintf("Post %d", day),
			OriginalURL: fmt.Sprintf("https://example.com/post-%d", day),
			Author:      "Author",
			PublishedAt: time.Date(2025, time.June, day, 12, 0, 0, 0, time.UTC),
			RawContent:  "body",
		})
	}
	return items
}

func TestFetchAllSourcesFirstPollKeepsOnlyNewestEligible(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	adapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(5)}

	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{adapter},
		Settings:   pipelineSettings(),
	})

	stats := pipeline.FetchAllSources(context.Background())
	if stats.ItemsStored != 5 {
		t.Fatalf("ItemsStored = %d, want 5", stats.ItemsStored)
	}

	var eligible []string
	for _, item := range repo.items {
		if !item.Posted {
			eligible = append(eligible, item.ExternalID)
		}
	}
	if len(eligible) != 1 || eligible[0] != "post-5" {
		t.Fatalf("eligible items = %v, want only post-5", eligible)
	}

	if len(repo.markCalls) != 1 {
		t.Fatalf("backfill calls = %d, want 1", len(repo.markCalls))
	}
	newest := repo.itemByExternalID("post-5")
	if repo.markCalls[0].exclude != newest.ID {
		t.Fatalf("backfill excluded %q, want %q", repo.markCalls[0].exclude, newest.ID)
	}
}

func TestFetchAllSourcesNoBackfillAfterFirstPoll(t *testing.T) {
	t.Parallel()

	src := feedSource("src-1")
	polled := time.Now().Add(-time.Hour).UTC()
	src.LastPolledAt = &polled

	repo := newPipeRepo(src)
	adapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(3)}

	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{adapter},
		Settings:   pipelineSettings(),
	})

	pipeline.FetchAllSources(context.Background())

	if len(repo.markCalls) != 0 {
		t.Fatalf("backfill ran on an already-polled source: %v", repo.markCalls)
	}
	for _, item := range repo.items {
		if item.Posted {
			t.Fatalf("item %s marked posted on a non-first poll", item.ExternalID)
		}
	}
}

func TestFetchAllSourcesDedupByExternalID(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	repo.items = append(repo.items, domain.ContentItem{
		ID:         "existing-1",
		SourceID:   "src-1",
		ExternalID: "post-1",
		Posted:     true,
	})

	adapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(2)}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{adapter},
		Settings:   pipelineSettings(),
	})

	stats := pipeline.FetchAllSources(context.Background())
	if stats.ItemsStored != 1 {
		t.Fatalf("ItemsStored = %d, want 1", stats.ItemsStored)
	}
	if len(repo.items) != 2 {
		t.Fatalf("item count = %d, want 2", len(repo.items))
	}
	if repo.itemByExternalID("post-2") == nil {
		t.Fatalf("new item post-2 was not stored")
	}
}

func TestFetchAllSourcesSoftErrorCountsAndContinues(t *testing.T) {
	t.Parallel()

	broken := feedSource("src-1")
	broken.Type = domain.SourceTypeBlog
	healthy := feedSource("src-2")

	repo := newPipeRepo(broken, healthy)
	blogAdapter := &stubAdapter{typ: domain.SourceTypeBlog, err: &webclient.StatusError{Code: http.StatusForbidden, Status: "403 Forbidden"}}
	feedAdapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(1)}

	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{blogAdapter, feedAdapter},
		Settings:   pipelineSettings(),
	})

	stats := pipeline.FetchAllSources(context.Background())

	if len(repo.incrementCalls) != 1 || repo.incrementCalls[0] != "src-1" {
		t.Fatalf("increment calls = %v, want [src-1]", repo.incrementCalls)
	}
	if feedAdapter.calls != 1 {
		t.Fatalf("healthy source was not polled after failure")
	}
	if stats.SourcesFailed != 1 || stats.SourcesPolled != 1 {
		t.Fatalf("stats = %+v, want 1 failed and 1 polled", stats)
	}
	if len(repo.resetCalls) != 1 || repo.resetCalls[0] != "src-2" {
		t.Fatalf("reset calls = %v, want [src-2]", repo.resetCalls)
	}
}

func TestFetchAllSourcesSkipsSourceWithinPollInterval(t *testing.T) {
	t.Parallel()

	fresh := feedSource("src-1")
	recently := time.Now().Add(-time.Minute).UTC()
	fresh.LastPolledAt = &recently

	stale := feedSource("src-2")
	longAgo := time.Now().Add(-2 * time.Hour).UTC()
	stale.LastPolledAt = &longAgo

	repo := newPipeRepo(fresh, stale)
	adapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(1)}

	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{adapter},
		Settings:   pipelineSettings(),
	})

	stats := pipeline.FetchAllSources(context.Background())

	if stats.SourcesSkipped != 1 || stats.SourcesPolled != 1 {
		t.Fatalf("stats = %+v, want 1 skipped and 1 polled", stats)
	}
	if adapter.calls != 1 {
		t.Fatalf("adapter calls = %d, want 1", adapter.calls)
	}
	if len(repo.polledCalls) != 1 || repo.polledCalls[0] != "src-2" {
		t.Fatalf("last-polled updates = %v, want [src-2]", repo.polledCalls)
	}
}

func TestFetchAllSourcesCapsItemsPerSourceType(t *testing.T) {
	t.Parallel()

	src := feedSource("src-1")
	polled := time.Now().Add(-time.Hour).UTC()
	src.LastPolledAt = &polled

	repo := newPipeRepo(src)
	adapter := &stubAdapter{typ: domain.SourceTypeFeed, items: feedItems(8)}

	settings := pipelineSettings()
	settings.MaxItems = map[string]int{"feed": 3}

	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{adapter},
		Settings:   settings,
	})

	stats := pipeline.FetchAllSources(context.Background())
	if stats.ItemsStored != 3 {
		t.Fatalf("ItemsStored = %d, want the per-type cap of 3", stats.ItemsStored)
	}
	if len(repo.items) != 3 {
		t.Fatalf("item count = %d, want 3", len(repo.items))
	}
}

func TestFetchAllSourcesSkipsPageSourceWithoutProfile(t *testing.T) {
	t.Parallel()

	src := feedSource("src-1")
	src.Type = domain.SourceTypePage

	repo := newPipeRepo(src)
	factoryCalls := 0
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		PageFactory: func(string) (ports.SourceAdapter, error) {
			factoryCalls++
			return nil, errors.New("unexpected")
		},
		Settings: pipelineSettings(),
	})

	stats := pipeline.FetchAllSources(context.Background())

	if factoryCalls != 0 {
		t.Fatalf("page factory invoked for a source without a profile")
	}
	if stats.SourcesFailed != 0 || stats.SourcesSkipped != 1 {
		t.Fatalf("stats = %+v, want the profile-less page source skipped", stats)
	}
	if len(repo.incrementCalls) != 0 {
		t.Fatalf("failure counter bumped: %v", repo.incrementCalls)
	}
}

func TestSummarizePendingBackfillsSourceWithNoHistory(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	for day := 1; day <= 3; day++ {
		repo.items = append(repo.items, domain.ContentItem{
			ID:          fmt.Sprintf("item-%d", day),
			SourceID:    "src-1",
			ExternalID:  fmt.Sprintf("post-%d", day),
			Title:       fmt.Sprintf("Post %d", day),
			RawContent:  "body",
			PublishedAt: time.Date(2025, time.June, day, 0, 0, 0, 0, time.UTC),
		})
	}

	summarizer := &stubSummarizer{}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Summarizer: summarizer,
		Settings:   pipelineSettings(),
	})

	summarized, err := pipeline.SummarizePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("SummarizePending: %v", err)
	}
	if summarized != 1 {
		t.Fatalf("summarized = %d, want 1", summarized)
	}
	if len(summarizer.calls) != 1 || summarizer.calls[0] != "item-3" {
		t.Fatalf("summarizer calls = %v, want [item-3]", summarizer.calls)
	}

	newest := repo.itemByExternalID("post-3")
	if newest.Summary == "" {
		t.Fatalf("newest item has no summary")
	}
	for _, ext := range []string{"post-1", "post-2"} {
		item := repo.itemByExternalID(ext)
		if !item.Posted || item.Summary != "" {
			t.Fatalf("%s: Posted=%v Summary=%q, want backfilled without summary", ext, item.Posted, item.Summary)
		}
	}
}

func TestSummarizePendingSkipsBackfillWithHistory(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	repo.items = append(repo.items,
		domain.ContentItem{ID: "old", SourceID: "src-1", ExternalID: "old", Summary: "done", Posted: true},
		domain.ContentItem{ID: "a", SourceID: "src-1", ExternalID: "a", Title: "A", RawContent: "body"},
		domain.ContentItem{ID: "b", SourceID: "src-1", ExternalID: "b", Title: "B", RawContent: "body"},
	)

	summarizer := &stubSummarizer{}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Summarizer: summarizer,
		Settings:   pipelineSettings(),
	})

	summarized, err := pipeline.SummarizePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("SummarizePending: %v", err)
	}
	if summarized != 2 {
		t.Fatalf("summarized = %d, want 2", summarized)
	}
	if len(repo.markCalls) != 0 {
		t.Fatalf("backfill ran on a source with posted history: %v", repo.markCalls)
	}

	sort.Strings(summarizer.calls)
	if strings.Join(summarizer.calls, ",") != "a,b" {
		t.Fatalf("summarizer calls = %v, want both pending items", summarizer.calls)
	}
}

func TestSummarizePendingFailureLeavesItemForLaterCycle(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	repo.items = append(repo.items,
		domain.ContentItem{ID: "old", SourceID: "src-1", ExternalID: "old", Summary: "done", Posted: true},
		domain.ContentItem{ID: "a", SourceID: "src-1", ExternalID: "a", Title: "A", RawContent: "body"},
	)

	summarizer := &stubSummarizer{err: errors.New("model overloaded")}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Summarizer: summarizer,
		Settings:   pipelineSettings(),
	})

	summarized, err := pipeline.SummarizePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("SummarizePending: %v", err)
	}
	if summarized != 0 {
		t.Fatalf("summarized = %d, want 0", summarized)
	}
	if item := repo.itemByExternalID("a"); item.Summary != "" {
		t.Fatalf("failed item got a summary: %q", item.Summary)
	}
}

func TestPostPendingDeliversAndMarks(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	repo.items = append(repo.items,
		domain.ContentItem{ID: "a", SourceID: "src-1", ExternalID: "a", Title: "A", Summary: "done"},
		domain.ContentItem{ID: "b", SourceID: "src-1", ExternalID: "b", Title: "B"},
	)

	notifier := &stubNotifier{}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Notifier:   notifier,
		Settings:   pipelineSettings(),
	})

	posted, err := pipeline.PostPending(context.Background())
	if err != nil {
		t.Fatalf("PostPending: %v", err)
	}
	if posted != 1 {
		t.Fatalf("posted = %d, want 1", posted)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "a" {
		t.Fatalf("notifier calls = %v, want [a]", notifier.calls)
	}
	if item := repo.itemByExternalID("a"); !item.Posted {
		t.Fatalf("delivered item not marked posted")
	}
	if item := repo.itemByExternalID("b"); item.Posted {
		t.Fatalf("unsummarized item was posted")
	}
}

func TestPostPendingNotifierFailureLeavesItemUnposted(t *testing.T) {
	t.Parallel()

	repo := newPipeRepo(feedSource("src-1"))
	repo.items = append(repo.items,
		domain.ContentItem{ID: "a", SourceID: "src-1", ExternalID: "a", Title: "A", Summary: "done"},
	)

	notifier := &stubNotifier{err: errors.New("chat unreachable")}
	pipeline := NewPipeline(PipelineDeps{
		Repository: repo,
		Notifier:   notifier,
		Settings:   pipelineSettings(),
	})

	posted, err := pipeline.PostPending(context.Background())
	if err != nil {
		t.Fatalf("PostPending: %v", err)
	}
	if posted != 0 {
		t.Fatalf("posted = %d, want 0", posted)
	}
	if item := repo.itemByExternalID("a"); item.Posted {
		t.Fatalf("failed delivery still marked posted")
	}
}

func TestIsSoftError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"forbidden", &webclient.StatusError{Code: 403}, true},
		{"not found", &webclient.StatusError{Code: 404}, true},
		{"rate limited", &webclient.StatusError{Code: 429}, true},
		{"server error", &webclient.StatusError{Code: 503}, true},
		{"bad request", &webclient.StatusError{Code: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped status", fmt.Errorf("fetch: %w", &webclient.StatusError{Code: 500}), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range cases {
		if got := isSoftError(tc.err); got != tc.want {
			t.Fatalf("%s: isSoftError = %v, want %v", tc.name, got, tc.want)
		}
	}
}
