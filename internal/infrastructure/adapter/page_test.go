package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

func pageProfile() domain.ExtractionProfile {
	return domain.ExtractionProfile{
		SiteName:       "Example Lab",
		PostSelector:   "div.post",
		TitleSelector:  "h2",
		URLSelector:    "a",
		URLAttribute:   "href",
		DateSelector:   "time",
		DateAttribute:  "datetime",
		AuthorSelector: ".byline",
	}
}

func TestPageFetchLatest(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="post">
				<h2>Full Post</h2>
				<a href="/research/full">read</a>
				<time datetime="2025-03-04T12:00:00Z">March 4</time>
				<span class="byline">Dana Fox</span>
			</div>
			<div class="post">
				<h2>Minimal Post</h2>
				<a href="https://other.example.com/minimal">read</a>
			</div>
			<div class="post">
				<h2></h2>
				<a href="/skipped">no title</a>
			</div>
		</body></html>`)
	}))
	defer server.Close()

	p := NewPage(pageProfile(), webclient.New(server.Client(), webclient.WithoutSSRFChecks()), nil)

	items, err := p.FetchLatest(context.Background(), server.URL+"/research", "")
	if err != nil {
		t.Fatalf("FetchLatest error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.Title != "Full Post" {
		t.Fatalf("unexpected title: %q", first.Title)
	}
	if first.OriginalURL != server.URL+"/research/full" {
		t.Fatalf("relative url not resolved: %q", first.OriginalURL)
	}
	if first.ExternalID != first.OriginalURL {
		t.Fatalf("external id must equal the post url, got %q", first.ExternalID)
	}
	if first.Author != "Dana Fox" {
		t.Fatalf("unexpected author: %q", first.Author)
	}
	want := time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)
	if !first.PublishedAt.Equal(want) {
		t.Fatalf("unexpected date: %v", first.PublishedAt)
	}

	second := items[1]
	if second.OriginalURL != "https://other.example.com/minimal" {
		t.Fatalf("absolute url mangled: %q", second.OriginalURL)
	}
	if second.Author != "Example Lab" {
		t.Fatalf("site name must back-fill the author, got %q", second.Author)
	}
	if second.PublishedAt.IsZero() {
		t.Fatal("dateless post must fall back to now")
	}
}

func TestPageFetchLatestCapsResults(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>")
		for i := 0; i < 30; i++ {
			fmt.Fprintf(w, `<div class="post"><h2>Post %d</h2><a href="/p/%d">x</a></div>`, i, i)
		}
		fmt.Fprint(w, "</body></html>")
	}))
	defer server.Close()

	p := NewPage(pageProfile(), webclient.New(server.Client(), webclient.WithoutSSRFChecks()), nil)

	items, err := p.FetchLatest(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("FetchLatest error: %v", err)
	}
	if len(items) != defaultMaxPagePosts {
		t.Fatalf("expected %d items, got %d", defaultMaxPagePosts, len(items))
	}
}

func TestNewPageFromProfileJSON(t *testing.T) {
	t.Parallel()

	raw := `{"site_name":"Example Lab","post_selector":"div.post","title_selector":"h2","url_selector":"a","url_attribute":"href"}`
	p, err := NewPageFromProfileJSON(raw, webclient.New(nil), nil)
	if err != nil {
		t.Fatalf("NewPageFromProfileJSON error: %v", err)
	}
	if p.profile.SiteName != "Example Lab" {
		t.Fatalf("unexpected site name: %q", p.profile.SiteName)
	}

	if _, err := NewPageFromProfileJSON(`{"site_name":"x"}`, webclient.New(nil), nil); err == nil {
		t.Fatal("profile without selectors must be rejected")
	}
	if _, err := NewPageFromProfileJSON(`not json`, webclient.New(nil), nil); err == nil {
		t.Fatal("invalid json must be rejected")
	}
}
