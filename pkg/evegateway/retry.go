package evegateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultRetryClient implements transport-level retry with exponential
// backoff. Retryable statuses (5xx, 420, 429) are retried up to maxRetries;
// the last response is returned either way so the caller can map the status.
type DefaultRetryClient struct {
	httpClient *http.Client
	limiter    *ErrorLimiter
}

// NewDefaultRetryClient creates a new default retry client
func NewDefaultRetryClient(httpClient *http.Client, limiter *ErrorLimiter) *DefaultRetryClient {
	return &DefaultRetryClient{
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// DoWithRetry makes an HTTP request with retry logic and error-budget
// header tracking
func (r *DefaultRetryClient) DoWithRetry(ctx context.Context, req *http.Request, maxRetries int) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Clone request for retry attempts
		reqClone := req.Clone(ctx)

		resp, err = r.httpClient.Do(reqClone)
		if err != nil {
			if attempt == maxRetries {
				return nil, &TransientError{Err: fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, err)}
			}

			backoffDuration := time.Duration(1<<uint(attempt)) * time.Second
			if backoffDuration > 10*time.Second {
				backoffDuration = 10 * time.Second
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDuration):
				continue
			}
		}

		// Every response except 404 counts against the error budget
		if resp.StatusCode != http.StatusNotFound {
			r.limiter.UpdateFromHeaders(resp.Header)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests {
			if attempt == maxRetries {
				return resp, nil
			}
			resp.Body.Close()

			if err := r.backoffForError(ctx, resp.StatusCode, attempt); err != nil {
				return nil, err
			}
			continue
		}

		// Success or non-retryable status
		break
	}

	return resp, nil
}

// backoffForError implements exponential backoff based on HTTP status codes
func (r *DefaultRetryClient) backoffForError(ctx context.Context, statusCode int, attempt int) error {
	var backoffDuration time.Duration

	switch {
	case statusCode == 420: // upstream-specific rate limit
		backoffDuration = time.Duration(1<<uint(attempt)) * time.Minute
		if backoffDuration > 10*time.Minute {
			backoffDuration = 10 * time.Minute
		}
	case statusCode >= 500:
		backoffDuration = time.Duration(1<<uint(attempt)) * time.Second
		if backoffDuration > 30*time.Second {
			backoffDuration = 30 * time.Second
		}
	case statusCode == http.StatusTooManyRequests:
		backoffDuration = time.Duration(1<<uint(attempt)) * time.Second
		if backoffDuration > 60*time.Second {
			backoffDuration = 60 * time.Second
		}
	default:
		return nil
	}

	slog.WarnContext(ctx, "Upstream error requires backoff",
		"status_code", statusCode,
		"attempt", attempt,
		"backoff_duration", backoffDuration.String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoffDuration):
		return nil
	}
}
