package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const analysisPrompt = `You are an expert web scraper that analyzes HTML to identify blog post/article listing patterns.

Examine the provided HTML and determine CSS selectors that can be used to extract blog posts or articles from the page.

Respond with ONLY a valid JSON object (no markdown, no explanation) with these fields:
- site_name: A human-readable name for the site
- post_selector: CSS selector for the container element of each post/article
- title_selector: CSS selector for the title WITHIN each post container (relative to post_selector)
- url_selector: CSS selector for the link element WITHIN each post container (relative to post_selector)
- url_attribute: The attribute containing the URL (usually "href")
- date_selector: CSS selector for the date element (relative to post_selector), or null if not found
- date_attribute: The attribute containing the date (e.g., "datetime"), or null if date is in text content
- author_selector: CSS selector for the author (relative to post_selector), or null if not found
- base_url: The base URL for resolving relative links

The selectors for title, url, date, and author must be RELATIVE to the post container.
Look for repeating patterns that represent individual posts/articles.
If you cannot identify a clear post listing pattern, respond with: {"error": "Could not identify post listing pattern"}

URL: %s

HTML:
%s

Respond with ONLY a JSON object, no markdown formatting.`

var (
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	controlCharacters = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
)

var keptAnalysisAttrs = map[string]struct{}{
	"class": {}, "id": {}, "href": {}, "datetime": {}, "data-date": {}, "rel": {},
}

// Analyzer derives a selector profile for a listing page through the
// text-generation collaborator and validates it against the live page before
// handing it back.
type Analyzer struct {
	client    *webclient.Client
	generator ports.TextGenerator
	logger    *slog.Logger
	maxHTML   int
}

// New wires the analyzer; maxHTML caps how much cleaned markup goes into
// the prompt.
func New(client *webclient.Client, generator ports.TextGenerator, maxHTML int, logger *slog.Logger) *Analyzer {
	if maxHTML <= 0 {
		maxHTML = 50000
	}
	return &Analyzer{client: client, generator: generator, logger: logger, maxHTML: maxHTML}
}

// Analyze produces a validated extraction profile for pageURL. Unlike poll
// paths, analysis is an explicit operation, so failures surface as errors.
func (a *Analyzer) Analyze(ctx context.Context, pageURL string) (domain.ExtractionProfile, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return domain.ExtractionProfile{}, fmt.Errorf("invalid url: %s", pageURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return domain.ExtractionProfile{}, fmt.Errorf("url must use http or https: %s", pageURL)
	}

	a.info("analyzing page structure", "url", pageURL)

	res, err := a.client.Get(ctx, pageURL)
	if err != nil {
		return domain.ExtractionProfile{}, fmt.Errorf("fetch page: %w", err)
	}
	html := string(res.Body)

	profile, err := a.extractProfile(ctx, pageURL, html)
	if err != nil {
		return domain.ExtractionProfile{}, err
	}

	postCount, err := validateProfile(html, profile)
	if err != nil {
		return domain.ExtractionProfile{}, fmt.Errorf("profile validation failed: %w", err)
	}

	a.info("page analysis complete", "url", pageURL, "site_name", profile.SiteName, "posts_found", postCount)
	return profile, nil
}

func (a *Analyzer) extractProfile(ctx context.Context, pageURL, html string) (domain.ExtractionProfile, error) {
	sanitizedURL := strings.TrimSpace(controlCharacters.ReplaceAllString(pageURL, ""))
	prompt := fmt.Sprintf(analysisPrompt, sanitizedURL, a.cleanHTML(html))

	response, err := a.generator.Generate(ctx, prompt)
	if err != nil {
		return domain.ExtractionProfile{}, fmt.Errorf("analysis call: %w", err)
	}

	raw := strings.TrimSpace(response)
	if m := jsonObjectPattern.FindString(raw); m != "" {
		raw = m
	}

	var payload struct {
		domain.ExtractionProfile
		Err string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		preview := raw
		if len(preview) > 500 {
			preview = preview[:500]
		}
		a.warn("unparseable analysis response", "response", preview)
		return domain.ExtractionProfile{}, fmt.Errorf("collaborator returned invalid json: %w", err)
	}
	if payload.Err != "" {
		return domain.ExtractionProfile{}, fmt.Errorf("analysis rejected: %s", payload.Err)
	}

	for field, value := range map[string]string{
		"site_name":      payload.SiteName,
		"post_selector":  payload.PostSelector,
		"title_selector": payload.TitleSelector,
		"url_selector":   payload.URLSelector,
		"url_attribute":  payload.URLAttribute,
	} {
		if value == "" {
			return domain.ExtractionProfile{}, fmt.Errorf("analysis response missing %s", field)
		}
	}

	return payload.ExtractionProfile, nil
}

// cleanHTML strips non-structural markup so prompts stay small while the
// selector-relevant attributes survive.
func (a *Analyzer) cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		if len(html) > a.maxHTML {
			return html[:a.maxHTML]
		}
		return html
	}

	doc.Find("script, style, noscript, svg, path").Remove()

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			var remove []string
			for _, attr := range node.Attr {
				if _, ok := keptAnalysisAttrs[attr.Key]; !ok {
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
	if len(cleaned) > a.maxHTML {
		a.warn("html truncated for analysis", "original_length", len(html), "truncated_length", a.maxHTML)
		cleaned = cleaned[:a.maxHTML]
	}
	return cleaned
}

// validateProfile checks the proposed selectors against the real page and
// returns how many of the first posts yield both a title and a URL.
func validateProfile(html string, profile domain.ExtractionProfile) (int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse page: %w", err)
	}

	postSel, err := cascadia.Compile(profile.PostSelector)
	if err != nil {
		return 0, fmt.Errorf("invalid post selector %q: %w", profile.PostSelector, err)
	}
	titleSel, err := cascadia.Compile(profile.TitleSelector)
	if err != nil {
		return 0, fmt.Errorf("invalid title selector %q: %w", profile.TitleSelector, err)
	}
	urlSel, err := cascadia.Compile(profile.URLSelector)
	if err != nil {
		return 0, fmt.Errorf("invalid url selector %q: %w", profile.URLSelector, err)
	}

	posts := doc.FindMatcher(postSel)
	if posts.Length() == 0 {
		return 0, fmt.Errorf("no elements match post selector %q", profile.PostSelector)
	}

	validPosts := 0
	posts.Slice(0, min(posts.Length(), 10)).Each(func(_ int, post *goquery.Selection) {
		title := strings.TrimSpace(post.FindMatcher(titleSel).First().Text())
		urlValue, _ := post.FindMatcher(urlSel).First().Attr(profile.URLAttribute)
		if title != "" && urlValue != "" {
			validPosts++
		}
	})
	if validPosts == 0 {
		return 0, fmt.Errorf("could not extract title and url from any post")
	}
	return validPosts, nil
}

func (a *Analyzer) info(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Analyzer) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}
