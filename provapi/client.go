package provapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mwalker/prov-api-harvester/config"
)

// Client fetches pages from the search API with bounded retry. The failure
// budget is per page: the attempt counter resets on every successful fetch.
type Client struct {
	httpClient *http.Client
	metrics    *Metrics
	maxRetries int
	baseWait   time.Duration
	userAgent  string

	// sleep is swapped out in tests; nil means a context-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client from cfg, reporting through m (which may be nil).
func NewClient(cfg *config.Config, m *Metrics) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics:    m,
		maxRetries: cfg.MaxRetries,
		baseWait:   cfg.BaseWait,
		userAgent:  cfg.UserAgent,
	}
}

// Metrics exposes the client's collectors for serving and for sharing with
// the rate governor.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// SetTransport swaps the underlying HTTP transport. Used by tests to
// substitute a mock transport.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.httpClient.Transport = rt
}

// Fetch GETs url, retrying transient failures with a deterministic,
// strictly increasing backoff (baseWait × attempt). It returns the parsed
// payload, the response headers, and the payload byte length. After
// maxRetries consecutive failures it returns ErrExhaustedRetries wrapping
// the last classified failure.
func (c *Client) Fetch(ctx context.Context, url string) (*SearchResponse, http.Header, int64, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, headers, size, err := c.attempt(ctx, url)
		if err == nil {
			return resp, headers, size, nil
		}
		if ctx.Err() != nil {
			return nil, nil, 0, ctx.Err()
		}

		lastErr = err
		c.metrics.IncError(errorTypeLabel(err))
		wait := c.baseWait * time.Duration(attempt)
		slog.Warn("request failed, retrying",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxRetries),
			slog.Duration("wait", wait),
			slog.String("error_type", errorTypeLabel(err)),
			slog.Any("error", err),
		)

		if attempt == c.maxRetries {
			break
		}
		c.metrics.IncRetries()
		if err := c.wait(ctx, wait); err != nil {
			return nil, nil, 0, err
		}
	}
	return nil, nil, 0, ErrExhaustedRetries{Attempts: c.maxRetries, Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, url string) (*SearchResponse, http.Header, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	c.metrics.IncRequest("started")
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		return nil, nil, 0, classifyError(err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, classifyError(err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, 0, classifyError(nil, resp.StatusCode)
	}

	var payload SearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, 0, fmt.Errorf("decode response: %w", err)
	}

	c.metrics.IncRequest("succeeded")
	c.metrics.AddBytes(int64(len(body)))
	return &payload, resp.Header, int64(len(body)), nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
