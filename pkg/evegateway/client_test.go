package evegateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("ESI_BASE_URL", baseURL)
	return NewClient(NewMemoryCacheManager())
}

// singleAttemptRetryClient performs the request exactly once so outage
// tests do not pay real retry backoff.
type singleAttemptRetryClient struct {
	httpClient *http.Client
	limiter    *ErrorLimiter
}

func (c singleAttemptRetryClient) DoWithRetry(ctx context.Context, req *http.Request, _ int) (*http.Response, error) {
	resp, err := c.httpClient.Do(req.Clone(ctx))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	c.limiter.UpdateFromHeaders(resp.Header)
	return resp, nil
}

func TestClientFetchCachesResponses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		assert.Equal(t, compatibilityDate, r.Header.Get("X-Compatibility-Date"))
		w.Header().Set("Expires", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
		fmt.Fprint(w, `{"name":"Jita"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	body, err := client.Fetch(ctx, "/universe/systems/30000142")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Jita"}`, string(body))

	body, err = client.Fetch(ctx, "/universe/systems/30000142")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Jita"}`, string(body))
	assert.Equal(t, int32(1), hits.Load(), "second fetch must be served from cache")
}

func TestClientFetchRevalidatesWithETag(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1:
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Expires", time.Now().Add(-time.Second).UTC().Format(http.TimeFormat))
			fmt.Fprint(w, `{"kills":12}`)
		default:
			assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
			w.Header().Set("Expires", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusNotModified)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	first, err := client.Fetch(ctx, "/killmails/123/abc")
	require.NoError(t, err)

	// Entry is stale, so this revalidates and gets a 304 with the cached
	// body served locally.
	second, err := client.Fetch(ctx, "/killmails/123/abc")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), requests.Load())

	// The 304 refreshed the expiry; the next read never leaves the cache.
	_, err = client.Fetch(ctx, "/killmails/123/abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}

func TestClientFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Fetch(context.Background(), "/characters/999999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientFetchContractError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "forbidden")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Fetch(context.Background(), "/characters/42")
	var contractErr *ContractError
	require.ErrorAs(t, err, &contractErr)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, contractErr.Error(), "403")
	assert.Contains(t, contractErr.Error(), "forbidden")
}

func TestClientFetchOutagePausesGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.retryClient = singleAttemptRetryClient{
		httpClient: client.httpClient,
		limiter:    client.limiter,
	}

	_, err := client.Fetch(context.Background(), "/universe/types/587")
	var transientErr *TransientError
	require.ErrorAs(t, err, &transientErr)
	assert.Equal(t, http.StatusBadGateway, transientErr.StatusCode)
	assert.True(t, IsRetryable(err))

	_, _, paused := client.limiter.Snapshot()
	assert.True(t, paused, "a 5xx that escapes retry must close the gate")
}

func TestExpiryFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Expires", "Mon, 24 Aug 2026 12:00:00 GMT")
	expiry := expiryFromHeaders(h)
	assert.True(t, expiry.Equal(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))

	h = http.Header{}
	h.Set("Cache-Control", "public, max-age=120")
	assert.WithinDuration(t, time.Now().Add(120*time.Second), expiryFromHeaders(h), 2*time.Second)

	// No cache headers at all falls back to a short default.
	assert.WithinDuration(t, time.Now().Add(5*time.Second), expiryFromHeaders(http.Header{}), 2*time.Second)
}
