package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/config"
	"github.com/user1303836/intelstream-sub000/internal/domain"
)

func newTestClient(endpoint string) *Client {
	c := NewClient(config.LLM{Endpoint: endpoint, Model: "test-model", APIKey: "test-key"}, nil)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func completionResponse(text string) string {
	return fmt.Sprintf(`{"choices": [{"message": {"role": "assistant", "content": %q}}]}`, text)
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, completionResponse("the answer"))
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).Generate(context.Background(), "question")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if text != "the answer" {
		t.Fatalf("unexpected completion: %q", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionResponse("eventually"))
	}))
	defer server.Close()

	text, err := newTestClient(server.URL).Generate(context.Background(), "question")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if text != "eventually" {
		t.Fatalf("unexpected completion: %q", text)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), "question")
	if err == nil {
		t.Fatal("expected an error after persistent rate limiting")
	}
	if calls.Load() != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, calls.Load())
	}
}

func TestGenerateAPIErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), "question")
	if err == nil {
		t.Fatal("expected an error for HTTP 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("non-rate-limit errors must not be retried, got %d calls", calls.Load())
	}
}

func TestGenerateMisconfigured(t *testing.T) {
	t.Parallel()

	c := NewClient(config.LLM{}, nil)
	if _, err := c.Generate(context.Background(), "question"); err == nil {
		t.Fatal("expected an error without api key and model")
	}
}

type staticGenerator struct {
	response   string
	lastPrompt string
}

func (g *staticGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.lastPrompt = prompt
	return g.response, nil
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{response: "  A tidy summary.  "}
	s := NewSummarizer(gen, 0, nil)

	item := domain.ContentItem{
		ExternalID: "https://example.com/post",
		Title:      "Big News",
		Author:     "Robin Hale",
		RawContent: "Lots of interesting body text.",
	}

	summary, err := s.Summarize(context.Background(), item, domain.SourceTypeBlog)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if summary != "A tidy summary." {
		t.Fatalf("unexpected summary: %q", summary)
	}
	if !strings.Contains(gen.lastPrompt, `blog post by Robin Hale titled "Big News"`) {
		t.Fatalf("prompt missing context: %q", gen.lastPrompt)
	}
	if !strings.Contains(gen.lastPrompt, "interesting body text") {
		t.Fatalf("prompt missing content: %q", gen.lastPrompt)
	}
}

func TestSummarizeEmptyContent(t *testing.T) {
	t.Parallel()

	s := NewSummarizer(&staticGenerator{response: "x"}, 0, nil)
	_, err := s.Summarize(context.Background(), domain.ContentItem{RawContent: "   "}, domain.SourceTypeFeed)
	if err == nil {
		t.Fatal("expected an error for empty content")
	}
}

func TestSummarizeTruncatesLongContent(t *testing.T) {
	t.Parallel()

	gen := &staticGenerator{response: "short"}
	s := NewSummarizer(gen, 100, nil)

	item := domain.ContentItem{
		ExternalID: "https://example.com/post",
		Title:      "Long",
		RawContent: strings.Repeat("a", 500),
	}
	if _, err := s.Summarize(context.Background(), item, domain.SourceTypePage); err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if strings.Count(gen.lastPrompt, "a") > 200 {
		t.Fatalf("content not truncated, prompt length %d", len(gen.lastPrompt))
	}
}
