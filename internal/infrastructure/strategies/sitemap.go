package strategies

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const (
	maxSitemapURLs      = 10000
	maxChildSitemaps    = 10
	maxCompressedSize   = 10 << 20
	maxDecompressedSize = 50 << 20
)

var sitemapProbePaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/",
	"/sitemaps/sitemap.xml",
}

// contentVocabulary lists path segments that usually hold post listings,
// in inference priority order.
var contentVocabulary = []string{
	"blog",
	"research",
	"posts",
	"articles",
	"news",
	"updates",
	"insights",
	"announcements",
}

type sitemapEntry struct {
	loc     string
	lastMod *time.Time
}

// Sitemap discovers posts through sitemap.xml: robots.txt directive first,
// then conventional paths. Oversized payloads (compressed or decompressed)
// count as "no sitemap", never as errors.
type Sitemap struct {
	client *webclient.Client
	logger *slog.Logger
}

// NewSitemap wires the shared web client.
func NewSitemap(client *webclient.Client, logger *slog.Logger) *Sitemap {
	return &Sitemap{client: client, logger: logger}
}

// Name identifies the strategy inside the chain.
func (s *Sitemap) Name() string { return "sitemap" }

// Discover locates a sitemap, resolves a URL pattern (hint wins) and returns
// matching URLs as posts with <lastmod> as the publish date.
func (s *Sitemap) Discover(ctx context.Context, seedURL, patternHint string) (*domain.DiscoveryResult, error) {
	parsed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %s: %w", seedURL, err)
	}
	baseURL := parsed.Scheme + "://" + parsed.Host

	sitemapURL := s.findSitemap(ctx, baseURL)
	if sitemapURL == "" {
		s.debug("no sitemap found", "url", seedURL)
		return nil, nil
	}

	entries := s.parseSitemap(ctx, sitemapURL)
	if len(entries) == 0 {
		return nil, nil
	}

	pattern := patternHint
	if pattern == "" {
		pattern = inferPattern(parsed.Path, entries)
	}
	if pattern == "" {
		s.debug("could not infer url pattern", "url", seedURL, "sitemap", sitemapURL)
		return nil, nil
	}

	var posts []domain.DiscoveredPost
	for _, entry := range entries {
		if !strings.Contains(entry.loc, pattern) {
			continue
		}
		posts = append(posts, domain.DiscoveredPost{URL: entry.loc, PublishedAt: entry.lastMod})
	}
	if len(posts) == 0 {
		s.debug("no sitemap urls match pattern", "url", seedURL, "pattern", pattern)
		return nil, nil
	}

	return &domain.DiscoveryResult{Posts: posts, URLPattern: pattern}, nil
}

func (s *Sitemap) findSitemap(ctx context.Context, baseURL string) string {
	if fromRobots := s.checkRobotsTxt(ctx, baseURL); fromRobots != "" {
		return fromRobots
	}

	for _, path := range sitemapProbePaths {
		candidate := baseURL + path
		if s.looksLikeSitemap(ctx, candidate) {
			return candidate
		}
	}
	return ""
}

// checkRobotsTxt returns the first Sitemap: directive, if any.
func (s *Sitemap) checkRobotsTxt(ctx context.Context, baseURL string) string {
	res, err := s.client.Get(ctx, baseURL+"/robots.txt")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(res.Body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < len("sitemap:") || !strings.EqualFold(line[:len("sitemap:")], "sitemap:") {
			continue
		}
		if target := strings.TrimSpace(line[len("sitemap:"):]); target != "" {
			return target
		}
	}
	return ""
}

func (s *Sitemap) looksLikeSitemap(ctx context.Context, candidate string) bool {
	body, ok := s.fetchSitemapBody(ctx, candidate)
	if !ok {
		return false
	}
	head := string(body[:min(len(body), 500)])
	return strings.Contains(head, "<urlset") || strings.Contains(head, "<sitemapindex")
}

// fetchSitemapBody fetches and, when needed, decompresses a sitemap payload,
// enforcing the compressed and decompressed caps independently.
func (s *Sitemap) fetchSitemapBody(ctx context.Context, sitemapURL string) ([]byte, bool) {
	res, err := s.client.GetCapped(ctx, sitemapURL, maxDecompressedSize)
	if err != nil {
		if errors.Is(err, webclient.ErrBodyTooLarge) {
			s.warn("sitemap too large", "url", sitemapURL, "limit", maxDecompressedSize)
		} else {
			s.debug("sitemap fetch failed", "url", sitemapURL, "error", err)
		}
		return nil, false
	}

	body := res.Body
	if !isGzip(sitemapURL, body) {
		return body, true
	}

	if len(body) > maxCompressedSize {
		s.warn("compressed sitemap too large", "url", sitemapURL, "size", len(body), "limit", maxCompressedSize)
		return nil, false
	}

	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		s.debug("bad gzip sitemap", "url", sitemapURL, "error", err)
		return nil, false
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize+1))
	if err != nil {
		s.debug("sitemap decompression failed", "url", sitemapURL, "error", err)
		return nil, false
	}
	if len(decompressed) > maxDecompressedSize {
		s.warn("decompressed sitemap too large", "url", sitemapURL, "limit", maxDecompressedSize)
		return nil, false
	}
	return decompressed, true
}

func isGzip(sitemapURL string, body []byte) bool {
	if strings.HasSuffix(sitemapURL, ".gz") {
		return true
	}
	return len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
}

type sitemapWalk struct {
	entries  []sitemapEntry
	children int
}

// parseSitemap parses a sitemap or sitemap index, recursing breadth-first
// into child sitemaps up to the child and total-URL bounds.
func (s *Sitemap) parseSitemap(ctx context.Context, sitemapURL string) []sitemapEntry {
	walk := &sitemapWalk{}
	s.walkSitemap(ctx, sitemapURL, walk)
	if len(walk.entries) > maxSitemapURLs {
		walk.entries = walk.entries[:maxSitemapURLs]
	}
	return walk.entries
}

func (s *Sitemap) walkSitemap(ctx context.Context, sitemapURL string, walk *sitemapWalk) {
	body, ok := s.fetchSitemapBody(ctx, sitemapURL)
	if !ok {
		return
	}

	var index struct {
		XMLName  xml.Name `xml:"sitemapindex"`
		Sitemaps []struct {
			Loc string `xml:"loc"`
		} `xml:"sitemap"`
	}
	if err := xml.Unmarshal(body, &index); err == nil && index.XMLName.Local == "sitemapindex" {
		for _, child := range index.Sitemaps {
			if walk.children >= maxChildSitemaps || len(walk.entries) >= maxSitemapURLs {
				return
			}
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			walk.children++
			s.walkSitemap(ctx, loc, walk)
		}
		return
	}

	var urlset struct {
		XMLName xml.Name `xml:"urlset"`
		URLs    []struct {
			Loc     string `xml:"loc"`
			LastMod string `xml:"lastmod"`
		} `xml:"url"`
	}
	if err := xml.Unmarshal(body, &urlset); err != nil {
		s.debug("sitemap parse failed", "url", sitemapURL, "error", err)
		return
	}

	for _, u := range urlset.URLs {
		if len(walk.entries) >= maxSitemapURLs {
			return
		}
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		walk.entries = append(walk.entries, sitemapEntry{loc: loc, lastMod: parseLastMod(u.LastMod)})
	}
}

func parseLastMod(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// inferPattern resolves the content path pattern: a seed path segment in the
// vocabulary wins; otherwise the first vocabulary term appearing as /term/ in
// at least two sitemap URLs.
func inferPattern(seedPath string, entries []sitemapEntry) string {
	for _, part := range strings.Split(strings.Trim(seedPath, "/"), "/") {
		for _, term := range contentVocabulary {
			if strings.EqualFold(part, term) {
				return "/" + part + "/"
			}
		}
	}

	for _, term := range contentVocabulary {
		pattern := "/" + term + "/"
		matches := 0
		for _, entry := range entries {
			if strings.Contains(strings.ToLower(entry.loc), pattern) {
				matches++
			}
		}
		if matches >= 2 {
			return pattern
		}
	}
	return ""
}

func (s *Sitemap) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Sitemap) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
