package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const defaultMaxPagePosts = 20

// Page scrapes a listing page using a stored selector profile. One adapter
// instance serves one source; the pipeline builds it from the source's
// profile JSON.
type Page struct {
	profile  domain.ExtractionProfile
	client   *webclient.Client
	logger   *slog.Logger
	maxPosts int
}

// NewPage wires a page adapter for one selector profile.
func NewPage(profile domain.ExtractionProfile, client *webclient.Client, logger *slog.Logger) *Page {
	return &Page{profile: profile, client: client, logger: logger, maxPosts: defaultMaxPagePosts}
}

// NewPageFromProfileJSON builds a page adapter from a source's stored
// profile.
func NewPageFromProfileJSON(raw string, client *webclient.Client, logger *slog.Logger) (*Page, error) {
	var profile domain.ExtractionProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("decode extraction profile: %w", err)
	}
	if profile.PostSelector == "" || profile.TitleSelector == "" || profile.URLSelector == "" {
		return nil, fmt.Errorf("extraction profile missing required selectors")
	}
	return NewPage(profile, client, logger), nil
}

// SourceType identifies the adapter in the registry.
func (p *Page) SourceType() domain.SourceType { return domain.SourceTypePage }

// GetFeedURL returns the identifier itself: a page source is addressed by
// its page URL.
func (p *Page) GetFeedURL(_ context.Context, identifier string) (string, error) {
	return identifier, nil
}

// FetchLatest scrapes the listing page. Posts missing a title or URL are
// skipped; transport errors propagate.
func (p *Page) FetchLatest(ctx context.Context, identifier, feedURL string) ([]domain.ContentData, error) {
	pageURL := feedURL
	if pageURL == "" {
		pageURL = identifier
	}
	p.debug("fetching page content", "url", pageURL, "site_name", p.profile.SiteName)

	res, err := p.client.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}

	baseURL := p.profile.BaseURL
	if baseURL == "" {
		baseURL = pageURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %s: %w", baseURL, err)
	}

	var items []domain.ContentData
	doc.Find(p.profile.PostSelector).EachWithBreak(func(_ int, post *goquery.Selection) bool {
		if item, ok := p.parsePost(post, base); ok {
			items = append(items, item)
		}
		return len(items) < p.maxPosts
	})

	p.info("fetched page content", "url", pageURL, "site_name", p.profile.SiteName, "count", len(items))
	return items, nil
}

func (p *Page) parsePost(post *goquery.Selection, base *url.URL) (domain.ContentData, bool) {
	title := strings.TrimSpace(post.Find(p.profile.TitleSelector).First().Text())
	if title == "" {
		return domain.ContentData{}, false
	}

	urlValue, ok := post.Find(p.profile.URLSelector).First().Attr(p.profile.URLAttribute)
	if !ok || urlValue == "" {
		return domain.ContentData{}, false
	}

	postURL := urlValue
	if !strings.HasPrefix(postURL, "http://") && !strings.HasPrefix(postURL, "https://") {
		resolved, err := base.Parse(postURL)
		if err != nil {
			p.warn("unresolvable post url", "site_name", p.profile.SiteName, "href", postURL)
			return domain.ContentData{}, false
		}
		postURL = resolved.String()
	}

	author := p.extractAuthor(post)
	if author == "" {
		author = p.profile.SiteName
	}

	return domain.ContentData{
		ExternalID:  postURL,
		Title:       title,
		OriginalURL: postURL,
		Author:      author,
		PublishedAt: p.extractDate(post),
	}, true
}

// extractDate reads the configured date selector; anything unreadable falls
// back to now so new posts still sort ahead of the backlog.
func (p *Page) extractDate(post *goquery.Selection) time.Time {
	now := time.Now().UTC()
	if p.profile.DateSelector == "" {
		return now
	}

	elem := post.Find(p.profile.DateSelector).First()
	if elem.Length() == 0 {
		return now
	}

	var raw string
	if p.profile.DateAttribute != "" {
		raw, _ = elem.Attr(p.profile.DateAttribute)
	} else {
		raw = strings.TrimSpace(elem.Text())
	}
	if raw == "" {
		return now
	}

	parsed, err := dateparse.ParseAny(raw)
	if err != nil {
		return now
	}
	return parsed.UTC()
}

func (p *Page) extractAuthor(post *goquery.Selection) string {
	if p.profile.AuthorSelector == "" {
		return ""
	}
	return strings.TrimSpace(post.Find(p.profile.AuthorSelector).First().Text())
}

func (p *Page) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Page) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Page) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
