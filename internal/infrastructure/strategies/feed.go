package strategies

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/feedutil"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

// Conventional feed locations probed when the page does not advertise one.
var feedProbePaths = []string{
	"/feed",
	"/feed.xml",
	"/rss",
	"/rss.xml",
	"/atom.xml",
	"/blog/feed",
	"/blog/rss",
	"/research/feed",
	"/index.xml",
	"/feeds/posts/default",
}

// Feed discovers post listings through an RSS/Atom feed: first the seed
// page's <link rel="alternate"> advertisements, then concurrent probes of
// conventional feed paths.
type Feed struct {
	client       *webclient.Client
	logger       *slog.Logger
	probeTimeout time.Duration
}

// NewFeed wires the shared web client; probeTimeout bounds each lightweight
// existence check.
func NewFeed(client *webclient.Client, probeTimeout time.Duration, logger *slog.Logger) *Feed {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Feed{client: client, logger: logger, probeTimeout: probeTimeout}
}

// Name identifies the strategy inside the chain.
func (f *Feed) Name() string { return "feed" }

// Discover scans the seed HTML for advertised feeds, falls back to probing
// conventional paths, and parses the first feed yielding at least one entry.
func (f *Feed) Discover(ctx context.Context, seedURL, _ string) (*domain.DiscoveryResult, error) {
	parsed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %s: %w", seedURL, err)
	}
	baseURL := parsed.Scheme + "://" + parsed.Host

	res, err := f.client.Get(ctx, seedURL)
	if err != nil {
		f.debug("seed fetch failed", "url", seedURL, "error", err)
		return nil, nil
	}

	for _, candidate := range f.findFeedLinks(res.Body, baseURL) {
		posts, err := f.parseFeed(ctx, candidate)
		if err != nil {
			f.debug("advertised feed unusable", "feed_url", candidate, "error", err)
			continue
		}
		if len(posts) > 0 {
			return &domain.DiscoveryResult{Posts: posts, FeedURL: candidate}, nil
		}
	}

	probed := f.probeConventionalPaths(ctx, baseURL)
	if probed == "" {
		return nil, nil
	}

	posts, err := f.parseFeed(ctx, probed)
	if err != nil || len(posts) == 0 {
		return nil, nil
	}

	return &domain.DiscoveryResult{Posts: posts, FeedURL: probed}, nil
}

// findFeedLinks collects feed candidates from <link> tags, alternate links
// first, in document order.
func (f *Feed) findFeedLinks(html []byte, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []string
	seen := map[string]struct{}{}
	add := func(href string) {
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		u := resolved.String()
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		candidates = append(candidates, u)
	}

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, sel *goquery.Selection) {
		linkType := strings.ToLower(sel.AttrOr("type", ""))
		if !strings.Contains(linkType, "rss") && !strings.Contains(linkType, "atom") {
			return
		}
		if href := sel.AttrOr("href", ""); href != "" {
			add(href)
		}
	})

	doc.Find("link").Each(func(_ int, sel *goquery.Selection) {
		rel := strings.ToLower(sel.AttrOr("rel", ""))
		if !strings.Contains(rel, "feed") {
			return
		}
		if href := sel.AttrOr("href", ""); href != "" {
			add(href)
		}
	})

	return candidates
}

// probeConventionalPaths checks all conventional paths concurrently and
// returns the winner earliest in the fixed list.
func (f *Feed) probeConventionalPaths(ctx context.Context, baseURL string) string {
	results := make([]string, len(feedProbePaths))

	var wg sync.WaitGroup
	for i, path := range feedProbePaths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			probeURL := baseURL + path
			if f.checkProbe(ctx, probeURL) {
				results[i] = probeURL
			}
		}(i, path)
	}
	wg.Wait()

	for _, r := range results {
		if r != "" {
			return r
		}
	}
	return ""
}

func (f *Feed) checkProbe(ctx context.Context, probeURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	res, err := f.client.Head(probeCtx, probeURL)
	if err != nil || res.StatusCode != 200 {
		return false
	}

	if feedLikeContentType(res.Header.Get("Content-Type")) {
		return true
	}

	posts, err := f.parseFeed(probeCtx, probeURL)
	return err == nil && len(posts) > 0
}

func (f *Feed) parseFeed(ctx context.Context, feedURL string) ([]domain.DiscoveredPost, error) {
	res, err := f.client.Get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(res.Body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}

	posts := make([]domain.DiscoveredPost, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		published := feedutil.ItemDate(item)
		posts = append(posts, domain.DiscoveredPost{
			URL:         item.Link,
			Title:       item.Title,
			PublishedAt: &published,
		})
	}
	return posts, nil
}

func feedLikeContentType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	for _, marker := range []string{"xml", "rss", "atom", "text/plain"} {
		if strings.Contains(contentType, marker) {
			return true
		}
	}
	return false
}

func (f *Feed) debug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
