package evegateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go-kestrel/pkg/config"
)

const (
	defaultBaseURL    = "https://esi.evetech.net"
	defaultUserAgent  = "go-kestrel/1.0 (kestrel@eveonline.it)"
	defaultMaxRetries = 3

	// compatibilityDate pins the upstream API behaviour version.
	compatibilityDate = "2025-08-26"

	// outagePause is how long the gate closes after a 5xx escapes retry.
	outagePause = 60 * time.Second
)

// Client is the rate-limited upstream gateway. All category clients fetch
// through it, so the error-budget gate and the response cache are shared
// process-wide.
type Client struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	limiter     *ErrorLimiter
	cache       CacheManager
	retryClient RetryClient
	maxRetries  int
}

// NewClient creates the gateway client. A nil cache falls back to the
// in-memory cache manager.
func NewClient(cache CacheManager) *Client {
	baseURL := config.GetEnv("ESI_BASE_URL", defaultBaseURL)
	userAgent := config.GetEnv("ESI_USER_AGENT", defaultUserAgent)

	var transport http.RoundTripper = &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if os.Getenv("ENABLE_TELEMETRY") == "true" {
		transport = otelhttp.NewTransport(transport)
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}

	if cache == nil {
		cache = NewMemoryCacheManager()
	}

	limiter := NewErrorLimiter()

	return &Client{
		baseURL:     baseURL,
		userAgent:   userAgent,
		httpClient:  httpClient,
		limiter:     limiter,
		cache:       cache,
		retryClient: NewDefaultRetryClient(httpClient, limiter),
		maxRetries:  defaultMaxRetries,
	}
}

// Limiter exposes the shared error-budget gate for status reporting
func (c *Client) Limiter() *ErrorLimiter {
	return c.limiter
}

// Fetch performs a cached, rate-limited GET against the upstream. The path
// is relative to the base URL and doubles as the cache key.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	cacheKey := c.baseURL + path

	// Fresh cache hit: no request at all.
	if data, found, err := c.cache.Get(cacheKey); err == nil && found {
		return data, nil
	} else if err != nil {
		slog.WarnContext(ctx, "Cache read failed, fetching upstream", "path", path, "error", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Compatibility-Date", compatibilityDate)

	if err := c.cache.SetConditionalHeaders(req, cacheKey); err != nil {
		slog.WarnContext(ctx, "Failed to set conditional headers", "path", path, "error", err)
	}

	resp, err := c.retryClient.DoWithRetry(ctx, req, c.maxRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if err := c.cache.RefreshExpiry(cacheKey, resp.Header); err != nil {
			slog.WarnContext(ctx, "Failed to refresh cache expiry", "path", path, "error", err)
		}
		data, found, err := c.cache.GetForNotModified(cacheKey)
		if err != nil {
			return nil, fmt.Errorf("cache read after 304: %w", err)
		}
		if !found {
			// Revalidated an entry we no longer hold. Should not happen;
			// treat as transient so the caller retries unconditionally.
			return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("304 with no cached body for %s", path)}
		}
		return data, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)

	case resp.StatusCode >= 500 || resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.PauseFor(outagePause)
		slog.ErrorContext(ctx, "Upstream outage, pausing all requests",
			"path", path,
			"status_code", resp.StatusCode,
			"pause", outagePause.String())
		return nil, &TransientError{StatusCode: resp.StatusCode}

	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ContractError{
			Endpoint: path,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if err := c.cache.Set(cacheKey, data, resp.Header); err != nil {
		slog.WarnContext(ctx, "Failed to cache response", "path", path, "error", err)
	}

	return data, nil
}
