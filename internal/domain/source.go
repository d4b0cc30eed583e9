package domain

import "time"

// SourceType discriminates which adapter polls a source.
type SourceType string

const (
	SourceTypeFeed SourceType = "feed"
	SourceTypeBlog SourceType = "blog"
	SourceTypePage SourceType = "page"
)

// Source is a configured origin to poll. Discovery hint fields
// (DiscoveryStrategy, URLPattern, FeedURL) are written only by the blog
// orchestrator; ConsecutiveFailures and LastPolledAt by the pipeline.
type Source struct {
	ID                  string
	Type                SourceType
	Name                string
	Identifier          string
	FeedURL             string
	ExtractionProfile   string
	DiscoveryStrategy   string
	URLPattern          string
	ConsecutiveFailures int
	PollInterval        time.Duration
	IsActive            bool
	LastPolledAt        *time.Time
	CreatedAt           time.Time
}

// ExtractionProfile holds the CSS selectors used to pull post listings out
// of a page source. Selectors for title/url/date/author are relative to the
// post container.
type ExtractionProfile struct {
	SiteName       string `json:"site_name"`
	PostSelector   string `json:"post_selector"`
	TitleSelector  string `json:"title_selector"`
	URLSelector    string `json:"url_selector"`
	URLAttribute   string `json:"url_attribute"`
	DateSelector   string `json:"date_selector,omitempty"`
	DateAttribute  string `json:"date_attribute,omitempty"`
	AuthorSelector string `json:"author_selector,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
}
