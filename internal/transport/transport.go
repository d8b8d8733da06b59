// Package transport is the outbound HTTP client shared by the gateway
// clients: a per-process request rate limit, a per-request timeout and
// bounded response reads.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// MaxResponseSize bounds every response body read.
const MaxResponseSize int64 = 64 << 20

// Options configures a Client.
type Options struct {
	// Timeout applies to each request. Zero means 30s.
	Timeout time.Duration
	// RequestsPerSecond limits outbound requests. Zero or negative disables the limit.
	RequestsPerSecond float64
	// Burst defaults to max(1, RequestsPerSecond).
	Burst int
}

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client from opts.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := opts.Burst
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		if burst <= 0 {
			burst = max(1, int(opts.RequestsPerSecond))
		}
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("non-2xx status: %d", e.Code)
	}
	return fmt.Sprintf("non-2xx status: %d: %s", e.Code, e.Body)
}

// Do waits for the rate limiter and sends req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.http.Do(req)
}

// Fetch sends req and returns the body of a 2xx response.
func (c *Client) Fetch(req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

// PostJSON posts in as JSON to url and decodes a 2xx response into out.
// out may be nil.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.Fetch(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
