package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

const adapterRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <link>https://example.com</link>
    <item>
      <guid>post-guid-1</guid>
      <title>With Everything</title>
      <link>https://example.com/posts/1</link>
      <author>alex@example.com (Alex Roe)</author>
      <pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate>
      <description>Summary text</description>
      <enclosure url="https://example.com/thumb.jpg" type="image/jpeg" length="1"/>
    </item>
    <item>
      <title>Bare Item</title>
      <link>https://example.com/posts/2</link>
    </item>
  </channel>
</rss>`

func feedServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
}

func TestFeedFetchLatest(t *testing.T) {
	t.Parallel()

	server := feedServer(adapterRSS)
	defer server.Close()

	f := NewFeed(webclient.New(server.Client(), webclient.WithoutSSRFChecks()), nil)

	items, err := f.FetchLatest(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("FetchLatest error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.ExternalID != "post-guid-1" {
		t.Fatalf("guid must win as external id, got %q", first.ExternalID)
	}
	if first.Author != "Alex Roe" {
		t.Fatalf("unexpected author: %q", first.Author)
	}
	if first.RawContent != "Summary text" {
		t.Fatalf("unexpected content: %q", first.RawContent)
	}
	if first.ThumbnailURL != "https://example.com/thumb.jpg" {
		t.Fatalf("unexpected thumbnail: %q", first.ThumbnailURL)
	}
	if first.PublishedAt.Format("2006-01-02") != "2025-06-02" {
		t.Fatalf("unexpected date: %v", first.PublishedAt)
	}

	second := items[1]
	if second.ExternalID != "https://example.com/posts/2" {
		t.Fatalf("link must back-fill the external id, got %q", second.ExternalID)
	}
	if second.Author != "Example Feed" {
		t.Fatalf("feed title must back-fill the author, got %q", second.Author)
	}
	if second.PublishedAt.IsZero() {
		t.Fatal("dateless entry must still get a timestamp")
	}
}

func TestFeedFetchLatestTransportErrorPropagates(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFeed(webclient.New(server.Client(), webclient.WithoutSSRFChecks()), nil)

	_, err := f.FetchLatest(context.Background(), server.URL, "")
	if err == nil {
		t.Fatal("expected an error for HTTP 403")
	}
	var statusErr *webclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
}

func TestFeedFetchLatestPrefersExplicitFeedURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/real-feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, adapterRSS)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := NewFeed(webclient.New(server.Client(), webclient.WithoutSSRFChecks()), nil)

	items, err := f.FetchLatest(context.Background(), server.URL+"/wrong", server.URL+"/real-feed")
	if err != nil {
		t.Fatalf("FetchLatest error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected items from the explicit feed url, got %d", len(items))
	}
}
