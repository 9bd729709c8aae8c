package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
	"go-kestrel/internal/zkillboard/models"
	"go-kestrel/pkg/config"
)

const (
	defaultRedisQURL = "https://zkillredisq.stream/listen.php"

	// ttw (time-to-wait) bounds for the long poll. The server holds the
	// request up to ttw seconds when no killmail is waiting.
	minTTW = 1
	maxTTW = 10
)

// RedisQConsumer long-polls the RedisQ endpoint and enqueues fetch jobs
// for unseen killmails
type RedisQConsumer struct {
	baseURL    string
	queueID    string
	httpClient *http.Client

	killmails  killmailStore
	dispatcher jobDispatcher

	cancel context.CancelFunc
	done   chan struct{}

	received   atomic.Int64
	enqueued   atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
}

// NewRedisQConsumer creates a new consumer. The queue id identifies this
// consumer to the server so it resumes its position across restarts; it
// defaults to a random id per process.
func NewRedisQConsumer(killmails killmailStore, dispatcher jobDispatcher) *RedisQConsumer {
	return &RedisQConsumer{
		baseURL:    config.GetEnv("REDISQ_URL", defaultRedisQURL),
		queueID:    config.GetEnv("REDISQ_QUEUE_ID", "kestrel-"+uuid.NewString()),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		killmails:  killmails,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}
}

// Start launches the poll loop
func (c *RedisQConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	slog.Info("Starting RedisQ consumer", "url", c.baseURL, "queue_id", c.queueID)
	go c.run(ctx)
}

// Stop cancels the loop, waits for it to exit, and logs the counters
func (c *RedisQConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done

	counters := c.Counters()
	slog.Info("RedisQ consumer stopped",
		"received", counters.Received,
		"enqueued", counters.Enqueued,
		"duplicates", counters.Duplicates,
		"errors", counters.Errors)
}

// Counters returns the cumulative counters
func (c *RedisQConsumer) Counters() models.ListenerCounters {
	return models.ListenerCounters{
		Received:   c.received.Load(),
		Enqueued:   c.enqueued.Load(),
		Duplicates: c.duplicates.Load(),
		Errors:     c.errors.Load(),
	}
}

func (c *RedisQConsumer) run(ctx context.Context) {
	defer close(c.done)

	ttw := maxTTW
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkg, err := c.poll(ctx, ttw)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.errors.Add(1)
			slog.Warn("RedisQ poll failed", "error", err)
			if !sleepUnlessDone(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if pkg == nil {
			// Empty response; widen the server-side wait.
			if ttw < maxTTW {
				ttw++
			}
			continue
		}
		ttw = minTTW

		c.received.Add(1)
		if err := c.handle(ctx, pkg); err != nil {
			c.errors.Add(1)
			slog.Warn("Failed to handle RedisQ killmail",
				"killmail_id", pkg.KillID, "error", err)
		}
	}
}

func (c *RedisQConsumer) poll(ctx context.Context, ttw int) (*models.RedisQPackage, error) {
	url := fmt.Sprintf("%s?queueID=%s&ttw=%d", c.baseURL, c.queueID, ttw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var response models.RedisQResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return response.Package, nil
}

func (c *RedisQConsumer) handle(ctx context.Context, pkg *models.RedisQPackage) error {
	if pkg.KillID <= 0 || pkg.ZKB.Hash == "" {
		return fmt.Errorf("incomplete package: id=%d hash=%q", pkg.KillID, pkg.ZKB.Hash)
	}

	exists, err := c.killmails.Exists(ctx, pkg.KillID)
	if err != nil {
		return err
	}
	if exists {
		c.duplicates.Add(1)
		return nil
	}

	_, err = c.dispatcher.Dispatch(ctx, queueServices.Request{
		Queue: killmailServices.QueueKillmails,
		Type:  killmailServices.JobTypeFetch,
		Payload: killmailServices.FetchPayload{
			KillmailID: pkg.KillID,
			Hash:       pkg.ZKB.Hash,
		},
		Options: queueModels.Options{
			Priority: queueModels.PriorityNormal,
			Dedup:    true,
		},
	})
	if err != nil {
		return err
	}

	c.enqueued.Add(1)
	slog.Debug("Killmail enqueued from RedisQ", "killmail_id", pkg.KillID)
	return nil
}

func sleepUnlessDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
