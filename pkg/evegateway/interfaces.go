package evegateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CacheEntry represents a cached upstream response
type CacheEntry struct {
	Data         []byte
	ETag         string
	LastModified string
	Expires      time.Time
}

// CacheManager interface for response caching operations
type CacheManager interface {
	Get(key string) ([]byte, bool, error)
	GetWithExpiry(key string) ([]byte, bool, *time.Time, error)
	GetForNotModified(key string) ([]byte, bool, error)
	Set(key string, data []byte, headers http.Header) error
	RefreshExpiry(key string, headers http.Header) error
	SetConditionalHeaders(req *http.Request, key string) error
}

// RetryClient interface for retry operations
type RetryClient interface {
	DoWithRetry(ctx context.Context, req *http.Request, maxRetries int) (*http.Response, error)
}

// Fetcher is the shared contract category clients use to reach the
// upstream. The root Client implements it with the full gate → cache →
// conditional request → store pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// MemoryCacheManager implements basic in-memory caching. Used in tests and
// as a fallback when no persistent cache is wired.
type MemoryCacheManager struct {
	cache      map[string]*CacheEntry
	cacheMutex sync.RWMutex
}

// NewMemoryCacheManager creates a new in-memory cache manager
func NewMemoryCacheManager() *MemoryCacheManager {
	return &MemoryCacheManager{
		cache: make(map[string]*CacheEntry),
	}
}

// Get retrieves data from cache
func (c *MemoryCacheManager) Get(key string) ([]byte, bool, error) {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || entry.Expires.Before(time.Now()) {
		return nil, false, nil
	}

	return entry.Data, true, nil
}

// GetWithExpiry retrieves data from cache along with expiry time
func (c *MemoryCacheManager) GetWithExpiry(key string) ([]byte, bool, *time.Time, error) {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || entry.Expires.Before(time.Now()) {
		return nil, false, nil, nil
	}

	return entry.Data, true, &entry.Expires, nil
}

// GetForNotModified retrieves data from cache even if expired (for 304 responses)
func (c *MemoryCacheManager) GetForNotModified(key string) ([]byte, bool, error) {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false, nil
	}

	return entry.Data, true, nil
}

// RefreshExpiry updates the expiry time of a cached entry (for 304 responses)
func (c *MemoryCacheManager) RefreshExpiry(key string, headers http.Header) error {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil
	}

	entry.Expires = expiryFromHeaders(headers)
	c.cache[key] = entry
	return nil
}

// Set stores data in cache
func (c *MemoryCacheManager) Set(key string, data []byte, headers http.Header) error {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	c.cache[key] = &CacheEntry{
		Data:         data,
		ETag:         headers.Get("ETag"),
		LastModified: headers.Get("Last-Modified"),
		Expires:      expiryFromHeaders(headers),
	}
	return nil
}

// SetConditionalHeaders sets conditional headers if cached data exists
func (c *MemoryCacheManager) SetConditionalHeaders(req *http.Request, key string) error {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		req.Header.Set("If-Modified-Since", entry.LastModified)
	}

	return nil
}

// expiryFromHeaders derives the cache expiry instant. Expires is the
// primary upstream cache header; Cache-Control max-age is the fallback,
// then a 5 second default.
func expiryFromHeaders(headers http.Header) time.Time {
	if expires := headers.Get("Expires"); expires != "" {
		if parsedTime, err := time.Parse(time.RFC1123, expires); err == nil {
			return parsedTime
		}
		if parsedTime, err := time.Parse(time.RFC1123Z, expires); err == nil {
			return parsedTime
		}
	}

	if cacheControl := headers.Get("Cache-Control"); cacheControl != "" {
		if maxAge := parseCacheControlMaxAge(cacheControl); maxAge > 0 {
			return time.Now().Add(time.Duration(maxAge) * time.Second)
		}
	}

	return time.Now().Add(5 * time.Second)
}

// parseCacheControlMaxAge is a simple parser for the max-age directive
func parseCacheControlMaxAge(cacheControl string) int {
	if !strings.Contains(cacheControl, "max-age=") {
		return 0
	}

	parts := strings.Split(cacheControl, "max-age=")
	if len(parts) < 2 {
		return 0
	}

	maxAgeStr := strings.Split(parts[1], ",")[0]
	maxAge, err := strconv.Atoi(strings.TrimSpace(maxAgeStr))
	if err != nil {
		return 0
	}

	return maxAge
}
