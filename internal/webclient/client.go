package webclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/security"
)

// ErrBodyTooLarge marks a response body that exceeded the caller's cap.
var ErrBodyTooLarge = errors.New("response body exceeds size cap")

const defaultBodyCap = 10 << 20

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Result is a fully buffered HTTP response.
type Result struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

// Client is the single outbound HTTP path: every request is SSRF-validated
// before it leaves the process.
type Client struct {
	http      *http.Client
	validator *security.Validator
	userAgent string
	skipSSRF  bool
}

// Option customizes a Client.
type Option func(*Client)

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithoutSSRFChecks disables URL validation. Test use only.
func WithoutSSRFChecks() Option {
	return func(c *Client) { c.skipSSRF = true }
}

// New builds a Client; httpClient defaults to a 30s-timeout client.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		http:      httpClient,
		validator: &security.Validator{},
		userAgent: "Mozilla/5.0 (compatible; IntelStream/1.0)",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches rawURL with the default body cap.
func (c *Client) Get(ctx context.Context, rawURL string) (*Result, error) {
	return c.GetCapped(ctx, rawURL, defaultBodyCap)
}

// GetCapped fetches rawURL, refusing bodies larger than maxBytes with
// ErrBodyTooLarge. Non-2xx responses yield a *StatusError.
func (c *Client) GetCapped(ctx context.Context, rawURL string, maxBytes int64) (*Result, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, rawURL)
	}

	return &Result{Body: body, Header: resp.Header, StatusCode: resp.StatusCode}, nil
}

// Head issues a HEAD request and returns headers only.
func (c *Client) Head(ctx context.Context, rawURL string) (*Result, error) {
	resp, err := c.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return &Result{Header: resp.Header, StatusCode: resp.StatusCode}, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	if !c.skipSSRF {
		if err := c.validator.Validate(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}
