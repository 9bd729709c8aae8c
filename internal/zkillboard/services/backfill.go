package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	killmailModels "go-kestrel/internal/killmails/models"
	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
	"go-kestrel/internal/zkillboard/models"
	"go-kestrel/pkg/config"
	"go-kestrel/pkg/evegateway"
)

// Backfill modes
type BackfillMode string

const (
	// ModeEnqueue pages (id, hash) references and enqueues fetch jobs.
	ModeEnqueue BackfillMode = "enqueue"
	// ModeDirect pages full killmail bodies straight into the ingestor.
	ModeDirect BackfillMode = "direct"
)

const (
	maxPageSize = 1000

	// enqueueConcurrency bounds in-flight pages in enqueue mode. Direct
	// mode is serial: every page is one large ingest batch.
	enqueueConcurrency = 5

	pageRetries      = 5
	pageRetryInitial = time.Second
	pageRetryMax     = 16 * time.Second
)

// BackfillConfig tunes one backfill run
type BackfillConfig struct {
	// Name keys the resume state; runs with the same name continue each
	// other.
	Name string
	Mode BackfillMode
	// Filter is passed through to the export endpoint.
	Filter map[string]any
	// PageSize caps rows per page, bounded at 1000.
	PageSize int
	// MaxPages stops the run early when positive.
	MaxPages int
	// Resume starts at the recorded page instead of zero.
	Resume bool
}

// BackfillProgress is the cumulative outcome of a run
type BackfillProgress struct {
	Pages      int64 `json:"pages"`
	Enqueued   int64 `json:"enqueued"`
	Ingested   int64 `json:"ingested"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// killmailStore is the slice of the killmail repository the zkillboard
// services need
type killmailStore interface {
	Exists(ctx context.Context, killmailID int64) (bool, error)
	ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// jobDispatcher enqueues fetch jobs
type jobDispatcher interface {
	Dispatch(ctx context.Context, req queueServices.Request) (*int64, error)
	DispatchMany(ctx context.Context, reqs []queueServices.Request) (int64, error)
}

// killmailIngestor writes full killmail bodies
type killmailIngestor interface {
	Ingest(ctx context.Context, full *killmailModels.Full, knownTotalValue float64) (bool, error)
}

// backfillStateStore persists per-run resume positions
type backfillStateStore interface {
	LastPage(ctx context.Context, name string) (int, error)
	SavePage(ctx context.Context, name string, page int) error
}

// Backfill pages historical killmails from the export endpoint
type Backfill struct {
	baseURL    string
	httpClient *http.Client

	killmails  killmailStore
	ingestor   killmailIngestor
	dispatcher jobDispatcher
	state      backfillStateStore

	retryInitial time.Duration

	pages      atomic.Int64
	enqueued   atomic.Int64
	ingested   atomic.Int64
	duplicates atomic.Int64
	errs       atomic.Int64
}

// NewBackfill creates a new backfill controller
func NewBackfill(
	killmails killmailStore,
	ingestor killmailIngestor,
	dispatcher jobDispatcher,
	state backfillStateStore,
) *Backfill {
	return &Backfill{
		baseURL:      config.GetEnv("ZKILL_EXPORT_URL", "https://zkillboard.com/api/export/"),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		killmails:    killmails,
		ingestor:     ingestor,
		dispatcher:   dispatcher,
		state:        state,
		retryInitial: pageRetryInitial,
	}
}

// Progress returns the cumulative counters of the run
func (b *Backfill) Progress() BackfillProgress {
	return BackfillProgress{
		Pages:      b.pages.Load(),
		Enqueued:   b.enqueued.Load(),
		Ingested:   b.ingested.Load(),
		Duplicates: b.duplicates.Load(),
		Errors:     b.errs.Load(),
	}
}

// ResumeCommand renders the command that continues an interrupted run
func ResumeCommand(cfg BackfillConfig) string {
	return fmt.Sprintf("backfill -name %s -mode %s -page-size %d -resume", cfg.Name, cfg.Mode, cfg.PageSize)
}

// Run executes the backfill until a termination condition or an
// unrecoverable error. On a page failure the resume command is logged.
func (b *Backfill) Run(ctx context.Context, cfg BackfillConfig) error {
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}

	startPage := 0
	if cfg.Resume {
		last, err := b.state.LastPage(ctx, cfg.Name)
		if err != nil {
			return err
		}
		startPage = last
		if last > 0 {
			slog.Info("Resuming backfill", "name", cfg.Name, "page", startPage)
		}
	}

	var err error
	switch cfg.Mode {
	case ModeDirect:
		err = b.runDirect(ctx, cfg, startPage)
	default:
		err = b.runEnqueue(ctx, cfg, startPage)
	}

	progress := b.Progress()
	slog.Info("Backfill finished",
		"name", cfg.Name,
		"pages", progress.Pages,
		"enqueued", progress.Enqueued,
		"ingested", progress.Ingested,
		"duplicates", progress.Duplicates,
		"errors", progress.Errors)

	if err != nil && ctx.Err() == nil {
		slog.Error("Backfill aborted; resume with", "command", ResumeCommand(cfg))
	}
	return err
}

// runEnqueue pages references with bounded concurrency. Progress is
// persisted per wave so a crash repeats at most one wave.
func (b *Backfill) runEnqueue(ctx context.Context, cfg BackfillConfig, startPage int) error {
	page := startPage
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.MaxPages > 0 && page-startPage >= cfg.MaxPages {
			return nil
		}

		waveSize := enqueueConcurrency
		if cfg.MaxPages > 0 {
			if remaining := cfg.MaxPages - (page - startPage); remaining < waveSize {
				waveSize = remaining
			}
		}

		type pageResult struct {
			page     int
			response *models.ExportResponse
			err      error
		}

		results := make([]pageResult, waveSize)
		var wg sync.WaitGroup
		for i := 0; i < waveSize; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := page + i
				resp, err := b.fetchPageWithRetry(ctx, cfg, p)
				results[i] = pageResult{page: p, response: resp, err: err}
			}(i)
		}
		wg.Wait()

		done := false
		for _, result := range results {
			if result.err != nil {
				return fmt.Errorf("page %d: %w", result.page, result.err)
			}
			if done {
				continue
			}

			stop, err := b.handleEnqueuePage(ctx, cfg, result.response)
			if err != nil {
				return fmt.Errorf("page %d: %w", result.page, err)
			}
			b.pages.Add(1)
			if err := b.state.SavePage(ctx, cfg.Name, result.page+1); err != nil {
				return err
			}
			if stop {
				done = true
			}
		}
		if done {
			return nil
		}
		page += waveSize
	}
}

// handleEnqueuePage dedups one page against the database and enqueues
// fetch jobs for the rest. Returns true on a termination condition.
func (b *Backfill) handleEnqueuePage(ctx context.Context, cfg BackfillConfig, response *models.ExportResponse) (bool, error) {
	if len(response.Data) == 0 {
		slog.Info("Backfill received empty page, stopping", "name", cfg.Name)
		return true, nil
	}

	ids := make([]int64, 0, len(response.Data))
	for _, record := range response.Data {
		ids = append(ids, record.KillmailID)
	}
	existing, err := b.killmails.ExistingIDs(ctx, ids)
	if err != nil {
		return false, err
	}

	var reqs []queueServices.Request
	for _, record := range response.Data {
		if existing[record.KillmailID] {
			b.duplicates.Add(1)
			continue
		}
		reqs = append(reqs, queueServices.Request{
			Queue: killmailServices.QueueKillmails,
			Type:  killmailServices.JobTypeFetch,
			Payload: killmailServices.FetchPayload{
				KillmailID: record.KillmailID,
				Hash:       record.Hash,
			},
			Options: queueModels.Options{
				Priority: queueModels.PriorityLow,
				Dedup:    true,
			},
		})
	}

	if len(reqs) > 0 {
		n, err := b.dispatcher.DispatchMany(ctx, reqs)
		if err != nil {
			return false, err
		}
		b.enqueued.Add(n)
	}

	if len(response.Data) < cfg.PageSize {
		slog.Info("Backfill received short page, all data fetched", "name", cfg.Name)
		return true, nil
	}
	if !response.Pagination.HasMore {
		slog.Info("Backfill upstream reports no more data", "name", cfg.Name)
		return true, nil
	}
	return false, nil
}

// runDirect pages full bodies serially and batches them through the
// ingestor
func (b *Backfill) runDirect(ctx context.Context, cfg BackfillConfig, startPage int) error {
	page := startPage
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.MaxPages > 0 && page-startPage >= cfg.MaxPages {
			return nil
		}

		response, err := b.fetchPageWithRetry(ctx, cfg, page)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if len(response.Data) == 0 {
			slog.Info("Backfill received empty page, stopping", "name", cfg.Name)
			return nil
		}

		for _, record := range response.Data {
			if record.Killmail == nil {
				b.errs.Add(1)
				continue
			}
			hash := record.Hash
			var known float64
			if record.ZKB != nil {
				if hash == "" {
					hash = record.ZKB.Hash
				}
				known = record.ZKB.TotalValue
			}

			full := killmailServices.ConvertESI(record.Killmail, hash)
			inserted, err := b.ingestor.Ingest(ctx, full, known)
			if err != nil {
				b.errs.Add(1)
				slog.Warn("Backfill ingest failed",
					"killmail_id", record.KillmailID, "error", err)
				continue
			}
			if inserted {
				b.ingested.Add(1)
			} else {
				b.duplicates.Add(1)
			}
		}

		b.pages.Add(1)
		if err := b.state.SavePage(ctx, cfg.Name, page+1); err != nil {
			return err
		}

		if len(response.Data) < cfg.PageSize {
			slog.Info("Backfill received short page, all data fetched", "name", cfg.Name)
			return nil
		}
		if !response.Pagination.HasMore {
			slog.Info("Backfill upstream reports no more data", "name", cfg.Name)
			return nil
		}
		page++
	}
}

// fetchPageWithRetry retries retryable page failures with exponential
// backoff (1s doubling to 16s, five tries). Contract errors abort
// immediately.
func (b *Backfill) fetchPageWithRetry(ctx context.Context, cfg BackfillConfig, page int) (*models.ExportResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryInitial
	policy.MaxInterval = pageRetryMax
	policy.RandomizationFactor = 0

	var response *models.ExportResponse
	operation := func() error {
		var err error
		response, err = b.fetchPage(ctx, cfg, page)
		if err != nil && !evegateway.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, pageRetries-1), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return response, nil
}

func (b *Backfill) fetchPage(ctx context.Context, cfg BackfillConfig, page int) (*models.ExportResponse, error) {
	request := models.ExportRequest{
		Filter: cfg.Filter,
		Options: models.ExportOptions{
			Limit: cfg.PageSize,
			Skip:  page * cfg.PageSize,
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &evegateway.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, &evegateway.TransientError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &evegateway.ContractError{
			Endpoint: b.baseURL,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var response models.ExportResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &evegateway.ContractError{Endpoint: b.baseURL, Err: err}
	}
	return &response, nil
}
