package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/feedutil"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

// Feed is the RSS/Atom source adapter. Transport errors propagate to the
// pipeline; a malformed entry is skipped, not fatal.
type Feed struct {
	client *webclient.Client
	logger *slog.Logger
}

// NewFeed wires the shared web client.
func NewFeed(client *webclient.Client, logger *slog.Logger) *Feed {
	return &Feed{client: client, logger: logger}
}

// SourceType identifies the adapter in the registry.
func (f *Feed) SourceType() domain.SourceType { return domain.SourceTypeFeed }

// GetFeedURL returns the identifier itself: a feed source is addressed by
// its feed URL.
func (f *Feed) GetFeedURL(_ context.Context, identifier string) (string, error) {
	return identifier, nil
}

// FetchLatest downloads and parses the feed, mapping every usable entry to
// ContentData.
func (f *Feed) FetchLatest(ctx context.Context, identifier, feedURL string) ([]domain.ContentData, error) {
	url := feedURL
	if url == "" {
		url = identifier
	}
	f.debug("fetching feed", "identifier", identifier, "url", url)

	res, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(res.Body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", url, err)
	}

	items := make([]domain.ContentData, 0, len(feed.Items))
	for _, entry := range feed.Items {
		externalID := entry.GUID
		if externalID == "" {
			externalID = entry.Link
		}
		if externalID == "" {
			f.warn("feed entry without id or link", "identifier", identifier, "title", entry.Title)
			continue
		}

		title := entry.Title
		if title == "" {
			title = "Untitled"
		}

		items = append(items, domain.ContentData{
			ExternalID:   externalID,
			Title:        title,
			OriginalURL:  entry.Link,
			Author:       entryAuthor(entry, feed),
			PublishedAt:  feedutil.ItemDate(entry),
			RawContent:   entryContent(entry),
			ThumbnailURL: entryThumbnail(entry),
		})
	}

	f.info("fetched feed content", "identifier", identifier, "count", len(items))
	return items, nil
}

func entryAuthor(entry *gofeed.Item, feed *gofeed.Feed) string {
	if entry.Author != nil && entry.Author.Name != "" {
		return entry.Author.Name
	}

	var names []string
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			names = append(names, a.Name)
		}
	}
	if len(names) > 0 {
		return strings.Join(names, ", ")
	}

	if feed.Title != "" {
		return feed.Title
	}
	return "Unknown Author"
}

func entryContent(entry *gofeed.Item) string {
	if entry.Content != "" {
		return entry.Content
	}
	return entry.Description
}

func entryThumbnail(entry *gofeed.Item) string {
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	if media, ok := entry.Extensions["media"]; ok {
		for _, key := range []string{"content", "thumbnail"} {
			for _, ext := range media[key] {
				if url := ext.Attrs["url"]; url != "" {
					return url
				}
			}
		}
	}
	return ""
}

func (f *Feed) debug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}

func (f *Feed) info(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Info(msg, args...)
	}
}

func (f *Feed) warn(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Warn(msg, args...)
	}
}
