package extract

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/security"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const fallbackTextCap = 10000

var authorClassPattern = regexp.MustCompile(`(?i)author`)

// Extractor pulls readable text and metadata out of article pages. It tries
// readability extraction first and degrades through progressively cruder
// heuristics; a page it cannot read yields empty content rather than an
// error so one bad post never aborts a batch.
type Extractor struct {
	client *webclient.Client
	logger *slog.Logger
}

// NewExtractor wires the shared web client.
func NewExtractor(client *webclient.Client, logger *slog.Logger) *Extractor {
	return &Extractor{client: client, logger: logger}
}

// Extract fetches pageURL and returns its readable content. Blocked or
// unreachable pages come back empty with a nil error.
func (e *Extractor) Extract(ctx context.Context, pageURL string) (domain.ExtractedContent, error) {
	res, err := e.client.Get(ctx, pageURL)
	if err != nil {
		if errors.Is(err, security.ErrBlockedURL) {
			e.warn("skipping url blocked by ssrf policy", "url", pageURL)
		} else {
			e.warn("failed to fetch content", "url", pageURL, "error", err)
		}
		return domain.ExtractedContent{}, nil
	}

	if content, ok := e.extractReadable(res.Body, pageURL); ok {
		return content, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		e.warn("unparseable html", "url", pageURL, "error", err)
		return domain.ExtractedContent{}, nil
	}

	content := domain.ExtractedContent{
		Title:       extractTitle(doc),
		Author:      extractAuthor(doc),
		PublishedAt: extractDate(doc),
	}

	if article := doc.Find("article").First(); article.Length() > 0 {
		content.Text = nodeText(article)
		return content, nil
	}
	if main := doc.Find("main").First(); main.Length() > 0 {
		content.Text = nodeText(main)
		return content, nil
	}

	content.Text = largestTextBlock(doc)
	return content, nil
}

// extractReadable runs readability-style extraction, the highest-fidelity
// tier.
func (e *Extractor) extractReadable(html []byte, pageURL string) (domain.ExtractedContent, bool) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return domain.ExtractedContent{}, false
	}

	article, err := readability.FromReader(bytes.NewReader(html), parsed)
	if err != nil {
		e.debug("readability extraction failed", "url", pageURL, "error", err)
		return domain.ExtractedContent{}, false
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return domain.ExtractedContent{}, false
	}

	return domain.ExtractedContent{
		Title:       strings.TrimSpace(article.Title),
		Author:      strings.TrimSpace(article.Byline),
		PublishedAt: article.PublishedTime,
		Text:        text,
	}, true
}

func extractTitle(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && content != "" {
		return content
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractAuthor(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok && content != "" {
		return content
	}
	if content, ok := doc.Find(`meta[property="article:author"]`).Attr("content"); ok && content != "" {
		return content
	}

	var author string
	doc.Find("[class]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		class, _ := sel.Attr("class")
		if !authorClassPattern.MatchString(class) {
			return true
		}
		text := strings.TrimSpace(sel.Text())
		if text != "" && len(text) < 100 {
			author = text
			return false
		}
		return true
	})
	return author
}

func extractDate(doc *goquery.Document) *time.Time {
	if attr, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t := parseDate(attr); t != nil {
			return t
		}
	}
	if content, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		if t := parseDate(content); t != nil {
			return t
		}
	}

	var found *time.Time
	doc.Find("meta[name]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name, _ := sel.Attr("name")
		if !strings.Contains(strings.ToLower(name), "date") {
			return true
		}
		content, _ := sel.Attr("content")
		if t := parseDate(content); t != nil {
			found = t
			return false
		}
		return true
	})
	return found
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// nodeText renders a subtree as trimmed, newline-separated text.
func nodeText(sel *goquery.Selection) string {
	var lines []string
	for _, line := range strings.Split(sel.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// largestTextBlock is the crudest tier: significant paragraphs after
// stripping boilerplate, then raw body text.
func largestTextBlock(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside").Remove()

	var significant []string
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if len(text) > 50 {
			significant = append(significant, text)
		}
	})
	if len(significant) > 0 {
		return strings.Join(significant, "\n\n")
	}

	text := nodeText(doc.Find("body").First())
	if text == "" {
		text = nodeText(doc.Selection)
	}
	if len(text) > fallbackTextCap {
		text = text[:fallbackTextCap]
	}
	return text
}

func (e *Extractor) debug(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}

func (e *Extractor) warn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
