package strategies

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const extractionPrompt = `Analyze this HTML and extract all blog posts/articles listed on the page.

For each post, return:
- url: The full URL to the post (resolve relative URLs using base: %s)
- title: The post title

Return ONLY a valid JSON array: [{"url": "...", "title": "..."}, ...]
If no posts found, return empty array: []

Only include actual blog/article posts, not navigation links, footers, or other page elements.
Look for repeating patterns that represent individual posts or article cards.

HTML:
%s`

var fencedBlockPattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

var keptCleanAttrs = map[string]struct{}{
	"class": {}, "id": {}, "href": {}, "data-href": {}, "rel": {},
}

// AIAssisted asks the text-generation collaborator to pick post listings out
// of cleaned page HTML. A content fingerprint over the main-content text
// gates the call: an unchanged page reuses the cached result and costs
// nothing.
type AIAssisted struct {
	client    *webclient.Client
	generator ports.TextGenerator
	cache     ports.ExtractionCache
	logger    *slog.Logger
	timeout   time.Duration
	maxHTML   int
}

// NewAIAssisted wires the collaborator and the durable extraction cache.
func NewAIAssisted(
	client *webclient.Client,
	generator ports.TextGenerator,
	cache ports.ExtractionCache,
	timeout time.Duration,
	maxHTML int,
	logger *slog.Logger,
) *AIAssisted {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxHTML <= 0 {
		maxHTML = 50000
	}
	return &AIAssisted{
		client:    client,
		generator: generator,
		cache:     cache,
		logger:    logger,
		timeout:   timeout,
		maxHTML:   maxHTML,
	}
}

// Name identifies the strategy inside the chain.
func (a *AIAssisted) Name() string { return "ai" }

// Discover fingerprints the page, reuses the cache on a hit, and otherwise
// runs one collaborator call under a hard timeout. The cache entry is
// rewritten after every attempt, hit or miss, empty or not.
func (a *AIAssisted) Discover(ctx context.Context, seedURL, _ string) (*domain.DiscoveryResult, error) {
	res, err := a.client.Get(ctx, seedURL)
	if err != nil {
		a.debug("seed fetch failed", "url", seedURL, "error", err)
		return nil, nil
	}
	html := string(res.Body)

	hash := contentFingerprint(html)

	if cached, err := a.cache.Get(ctx, seedURL); err == nil && cached != nil && cached.ContentHash == hash {
		if posts, ok := decodeCachedPosts(cached.PostsJSON); ok {
			a.debug("using cached extraction", "url", seedURL, "post_count", len(posts))
			if len(posts) == 0 {
				return nil, nil
			}
			return &domain.DiscoveryResult{Posts: posts}, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	posts, err := a.extractWithCollaborator(callCtx, html, seedURL)
	cancel()
	if err != nil {
		// Timeouts and collaborator failures downgrade to an empty result so
		// the fallback chain never stalls on this strategy.
		a.warn("collaborator extraction failed", "url", seedURL, "error", err)
		posts = nil
	}

	if err := a.writeCache(ctx, seedURL, hash, posts); err != nil {
		a.warn("extraction cache write failed", "url", seedURL, "error", err)
	}

	if len(posts) == 0 {
		a.debug("collaborator found no posts", "url", seedURL)
		return nil, nil
	}

	return &domain.DiscoveryResult{Posts: posts}, nil
}

func (a *AIAssisted) writeCache(ctx context.Context, seedURL, hash string, posts []domain.DiscoveredPost) error {
	payload := make([]cachedPost, 0, len(posts))
	for _, p := range posts {
		payload = append(payload, cachedPost{URL: p.URL, Title: p.Title})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cached posts: %w", err)
	}
	return a.cache.Set(ctx, domain.CacheEntry{
		URL:         seedURL,
		ContentHash: hash,
		PostsJSON:   string(raw),
		CachedAt:    time.Now().UTC(),
	})
}

type cachedPost struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func decodeCachedPosts(raw string) ([]domain.DiscoveredPost, bool) {
	var payload []cachedPost
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false
	}
	posts := make([]domain.DiscoveredPost, 0, len(payload))
	for _, p := range payload {
		if p.URL == "" {
			continue
		}
		posts = append(posts, domain.DiscoveredPost{URL: p.URL, Title: p.Title})
	}
	return posts, true
}

func (a *AIAssisted) extractWithCollaborator(ctx context.Context, html, seedURL string) ([]domain.DiscoveredPost, error) {
	parsed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %s: %w", seedURL, err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}

	cleaned := a.cleanHTML(html)
	prompt := fmt.Sprintf(extractionPrompt, base.String(), cleaned)

	response, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var posts []domain.DiscoveredPost
	for _, p := range extractJSONArray(response, a.logger) {
		if p.URL == "" {
			continue
		}
		postURL := p.URL
		if !strings.HasPrefix(postURL, "http://") && !strings.HasPrefix(postURL, "https://") {
			resolved, err := base.Parse(postURL)
			if err != nil {
				continue
			}
			postURL = resolved.String()
		}
		posts = append(posts, domain.DiscoveredPost{URL: postURL, Title: p.Title})
	}
	return posts, nil
}

// cleanHTML strips non-content tags and attributes and truncates to the
// configured length at a tag boundary.
func (a *AIAssisted) cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		if len(html) > a.maxHTML {
			return html[:a.maxHTML]
		}
		return html
	}

	doc.Find("script, style, noscript, svg, path, iframe").Remove()

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			var remove []string
			for _, attr := range node.Attr {
				if _, ok := keptCleanAttrs[attr.Key]; !ok {
					remove = append(remove, attr.Key)
				}
			}
			for _, key := range remove {
				sel.RemoveAttr(key)
			}
		}
	})

	cleaned, err := doc.Html()
	if err != nil {
		cleaned = html
	}
	if len(cleaned) <= a.maxHTML {
		return cleaned
	}

	truncated := cleaned[:a.maxHTML]
	if lastClose := strings.LastIndex(truncated, ">"); lastClose > a.maxHTML-1000 {
		return truncated[:lastClose+1]
	}
	if lastOpen := strings.LastIndex(truncated, "<"); lastOpen > 0 {
		return truncated[:lastOpen]
	}
	return truncated
}

// contentFingerprint hashes the cleaned main-content text so cosmetic page
// churn (rotating nav, footers, ad markup) never invalidates the cache.
func contentFingerprint(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return md5Hex(html)
	}

	doc.Find("script, style, nav, header, footer, aside, noscript").Remove()

	var scope *goquery.Selection
	for _, selector := range []string{"main", "article", "#content", "body"} {
		if found := doc.Find(selector).First(); found.Length() > 0 {
			scope = found
			break
		}
	}
	if scope == nil {
		return md5Hex(html)
	}

	text := strings.Join(strings.Fields(scope.Text()), " ")
	return md5Hex(text)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// extractJSONArray parses the collaborator response defensively: the whole
// response, then a fenced code block, then the outermost bracketed
// substring.
func extractJSONArray(text string, logger *slog.Logger) []cachedPost {
	text = strings.TrimSpace(text)

	if posts, ok := tryParsePosts(text); ok {
		return posts
	}

	if m := fencedBlockPattern.FindStringSubmatch(text); m != nil {
		if posts, ok := tryParsePosts(m[1]); ok {
			return posts
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		if posts, ok := tryParsePosts(text[start : end+1]); ok {
			return posts
		}
	}

	if logger != nil {
		preview := text
		if len(preview) > 200 {
			preview = preview[:200]
		}
		logger.Warn("failed to extract json from collaborator response", "preview", preview)
	}
	return nil
}

func tryParsePosts(raw string) ([]cachedPost, bool) {
	var posts []cachedPost
	if err := json.Unmarshal([]byte(raw), &posts); err != nil {
		return nil, false
	}
	return posts, true
}

func (a *AIAssisted) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}

func (a *AIAssisted) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}
