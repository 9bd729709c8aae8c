package evegateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLCacheManager implements CacheManager on the esi_cache table so the
// response cache survives restarts. Expired entries are removed by the
// scheduler's sweeper, not on read, so 304 revalidation can still serve
// the stale body.
type SQLCacheManager struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewSQLCacheManager creates a new database-backed cache manager
func NewSQLCacheManager(pool *pgxpool.Pool) *SQLCacheManager {
	return &SQLCacheManager{
		pool: pool,
		ctx:  context.Background(),
	}
}

func (c *SQLCacheManager) load(key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := c.pool.QueryRow(c.ctx,
		`SELECT body, etag, last_modified, expires_at FROM esi_cache WHERE cache_key = $1`,
		key,
	).Scan(&entry.Data, &entry.ETag, &entry.LastModified, &entry.Expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}
	return &entry, nil
}

// Get retrieves a fresh entry; expired entries count as a miss
func (c *SQLCacheManager) Get(key string) ([]byte, bool, error) {
	entry, err := c.load(key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	if entry.Expires.Before(time.Now()) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// GetWithExpiry retrieves a fresh entry along with its expiry time
func (c *SQLCacheManager) GetWithExpiry(key string) ([]byte, bool, *time.Time, error) {
	entry, err := c.load(key)
	if err != nil || entry == nil {
		return nil, false, nil, err
	}
	if entry.Expires.Before(time.Now()) {
		return nil, false, nil, nil
	}
	return entry.Data, true, &entry.Expires, nil
}

// GetForNotModified retrieves an entry even if expired (for 304 responses)
func (c *SQLCacheManager) GetForNotModified(key string) ([]byte, bool, error) {
	entry, err := c.load(key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry.Data, true, nil
}

// Set upserts an entry keyed by cache key
func (c *SQLCacheManager) Set(key string, data []byte, headers http.Header) error {
	_, err := c.pool.Exec(c.ctx,
		`INSERT INTO esi_cache (cache_key, body, etag, last_modified, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (cache_key) DO UPDATE SET
		   body = EXCLUDED.body,
		   etag = EXCLUDED.etag,
		   last_modified = EXCLUDED.last_modified,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		key, data, headers.Get("ETag"), headers.Get("Last-Modified"), expiryFromHeaders(headers),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// RefreshExpiry advances the expiry of an entry after a 304 response
func (c *SQLCacheManager) RefreshExpiry(key string, headers http.Header) error {
	_, err := c.pool.Exec(c.ctx,
		`UPDATE esi_cache SET expires_at = $2, updated_at = now() WHERE cache_key = $1`,
		key, expiryFromHeaders(headers),
	)
	if err != nil {
		return fmt.Errorf("failed to refresh cache entry: %w", err)
	}
	return nil
}

// SetConditionalHeaders adds If-None-Match / If-Modified-Since from the
// cached entry, if any
func (c *SQLCacheManager) SetConditionalHeaders(req *http.Request, key string) error {
	entry, err := c.load(key)
	if err != nil || entry == nil {
		return err
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		req.Header.Set("If-Modified-Since", entry.LastModified)
	}
	return nil
}

// DeleteExpired removes entries past their expiry. Run periodically by the
// scheduler.
func (c *SQLCacheManager) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM esi_cache WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
