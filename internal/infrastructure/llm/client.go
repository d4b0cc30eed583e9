package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/config"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

// ErrRateLimited marks an HTTP 429 from the completion API.
var ErrRateLimited = errors.New("rate limited by llm api")

const (
	defaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	defaultMaxAttempts = 3
	maxResponseTokens  = 1024
	minBackoff         = 4 * time.Second
	maxBackoff         = 60 * time.Second
)

// Client talks to an OpenAI-compatible chat completion API. Rate limits are
// retried with exponential backoff; other API errors surface to the caller.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

var _ ports.TextGenerator = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.LLM, logger *slog.Logger) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := minBackoff << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Generate sends prompt as a single user message and returns the completion
// text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" || c.model == "" {
		return "", fmt.Errorf("llm client misconfigured")
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		text, err := c.complete(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRateLimited) {
			return "", err
		}

		if attempt == c.maxAttempts-1 {
			break
		}
		wait := c.backoff(attempt)
		c.warn("rate limited, backing off", "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":      c.model,
		"max_tokens": maxResponseTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return "", ErrRateLimited
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("completion api error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
