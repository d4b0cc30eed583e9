package domain

import "time"

// DiscoveredPost is a URL+title candidate produced by a discovery strategy,
// before content extraction. PublishedAt is nil when the strategy had no
// date information for the post.
type DiscoveredPost struct {
	URL         string
	Title       string
	PublishedAt *time.Time
}

// DiscoveryResult is the output of a single strategy run. FeedURL and
// URLPattern are resolution hints the orchestrator persists onto the Source.
type DiscoveryResult struct {
	Posts      []DiscoveredPost
	FeedURL    string
	URLPattern string
}

// CacheEntry memoizes an AI-assisted discovery attempt for one URL.
// ContentHash fingerprints the cleaned main-content text, so cosmetic page
// churn does not invalidate the entry.
type CacheEntry struct {
	URL         string
	ContentHash string
	PostsJSON   string
	CachedAt    time.Time
}
