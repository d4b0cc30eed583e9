package domain

import "time"

// UnknownDate is the sentinel published-at for items whose real publication
// date could not be determined anywhere along the fallback chain.
var UnknownDate = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// ContentData is the transfer object an adapter produces per fetched entry.
// It is ephemeral; the pipeline consumes it immediately.
type ContentData struct {
	ExternalID   string
	Title        string
	OriginalURL  string
	Author       string
	PublishedAt  time.Time
	RawContent   string
	ThumbnailURL string
}

// ExtractedContent is the readable payload pulled out of one article page.
// Empty fields mean the page did not yield that part.
type ExtractedContent struct {
	Title       string
	Author      string
	PublishedAt *time.Time
	Text        string
}

// ContentItem is the persisted, deduplicated unit of ingested content.
// ExternalID is the sole dedup key.
type ContentItem struct {
	ID           string
	SourceID     string
	ExternalID   string
	Title        string
	OriginalURL  string
	Author       string
	PublishedAt  time.Time
	RawContent   string
	Summary      string
	ThumbnailURL string
	Posted       bool
	CreatedAt    time.Time
}
