package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"go-kestrel/internal/queue/models"
	"go-kestrel/pkg/evegateway"
)

var validate = validator.New()

// Handler processes one job payload. A nil return completes the job; a
// retryable error reschedules it with backoff; a permanent error fails it.
type Handler func(ctx context.Context, job *models.Job) error

// PermanentError wraps an error so the worker fails the job without retry
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// JobStore is the slice of the repository the worker pool needs
type JobStore interface {
	Claim(ctx context.Context, queue string) (*models.Job, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, job *models.Job, failure error, permanent bool) error
	Release(ctx context.Context, id int64) error
}

// QueueConfig declares one worker pool
type QueueConfig struct {
	Name    string `validate:"required"`
	Workers int    `validate:"min=1"`
	// RatePerSecond caps dispatches across the pool; zero means uncapped.
	RatePerSecond float64
	// PollInterval is the idle sleep when the queue is empty.
	PollInterval time.Duration
}

// WorkerPool runs the per-queue worker loops
type WorkerPool struct {
	store    JobStore
	handlers map[string]Handler
	mu       sync.RWMutex

	drainTimeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool creates a worker pool over the given store
func NewWorkerPool(store JobStore) *WorkerPool {
	return &WorkerPool{
		store:        store,
		handlers:     make(map[string]Handler),
		drainTimeout: 30 * time.Second,
	}
}

func handlerKey(queue, jobType string) string {
	return queue + "/" + jobType
}

// Register binds a handler to (queue, type). Later registrations replace
// earlier ones.
func (p *WorkerPool) Register(queue, jobType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[handlerKey(queue, jobType)] = handler
}

func (p *WorkerPool) handler(queue, jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[handlerKey(queue, jobType)]
	return h, ok
}

// ValidateConfigs checks the queue declarations before start
func ValidateConfigs(cfgs []QueueConfig) error {
	for _, cfg := range cfgs {
		if err := validate.Struct(cfg); err != nil {
			return fmt.Errorf("queue %q: %w", cfg.Name, err)
		}
	}
	return nil
}

// Start launches the worker loops for each queue config. It returns
// immediately; Stop drains and waits.
func (p *WorkerPool) Start(ctx context.Context, queues []QueueConfig) {
	ctx, p.cancel = context.WithCancel(ctx)

	for _, cfg := range queues {
		cfg := cfg
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = time.Second
		}

		var bucket *tokenBucket
		if cfg.RatePerSecond > 0 {
			bucket = newTokenBucket(cfg.RatePerSecond, cfg.Workers)
		}

		slog.Info("Starting queue workers",
			"queue", cfg.Name,
			"workers", cfg.Workers,
			"rate_per_second", cfg.RatePerSecond)

		for i := 0; i < cfg.Workers; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, cfg, bucket)
		}
	}
}

// Stop drains the pool: workers finish their in-flight job within the
// drain timeout, then remaining jobs are released back to pending.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool drained")
	case <-time.After(p.drainTimeout):
		slog.Warn("Worker pool drain timed out", "timeout", p.drainTimeout.String())
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, cfg QueueConfig, bucket *tokenBucket) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if bucket != nil {
			if err := bucket.Wait(ctx); err != nil {
				return
			}
		}

		job, err := p.store.Claim(ctx, cfg.Name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to claim job", "queue", cfg.Name, "error", err)
			if !sleepUnlessDone(ctx, cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepUnlessDone(ctx, cfg.PollInterval) {
				return
			}
			continue
		}

		p.process(ctx, job)
	}
}

// process runs one claimed job. The completion bookkeeping uses a detached
// context so a shutdown mid-handler still records the outcome.
func (p *WorkerPool) process(ctx context.Context, job *models.Job) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	handler, ok := p.handler(job.Queue, job.Type)
	if !ok {
		err := fmt.Errorf("no handler registered for %s/%s", job.Queue, job.Type)
		slog.Error("Unknown job type", "queue", job.Queue, "type", job.Type, "job_id", job.ID)
		if failErr := p.store.Fail(finishCtx, job, err, true); failErr != nil {
			slog.Error("Failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		return
	}

	start := time.Now()
	err := handler(ctx, job)

	switch {
	case err == nil:
		if completeErr := p.store.Complete(finishCtx, job.ID); completeErr != nil {
			slog.Error("Failed to complete job", "job_id", job.ID, "error", completeErr)
		}
		slog.Debug("Job completed",
			"queue", job.Queue,
			"type", job.Type,
			"job_id", job.ID,
			"duration", time.Since(start).String())

	case ctx.Err() != nil:
		// Shutdown interrupted the handler; put the job back untouched.
		if releaseErr := p.store.Release(finishCtx, job.ID); releaseErr != nil {
			slog.Error("Failed to release job on shutdown", "job_id", job.ID, "error", releaseErr)
		}

	default:
		permanent := isPermanentFailure(err)
		slog.Warn("Job failed",
			"queue", job.Queue,
			"type", job.Type,
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"permanent", permanent,
			"error", err)
		if failErr := p.store.Fail(finishCtx, job, err, permanent); failErr != nil {
			slog.Error("Failed to record job failure", "job_id", job.ID, "error", failErr)
		}
	}
}

// isPermanentFailure decides retry vs terminal failure. Upstream contract
// violations, explicit permanent wraps, and payload decode errors never
// retry; everything else does, while attempts remain.
func isPermanentFailure(err error) bool {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	if evegateway.IsPermanent(err) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
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

// tokenBucket implements the per-queue rate cap
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time

	now func() time.Time
}

func newTokenBucket(ratePerSecond float64, burst int) *tokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     ratePerSecond,
		last:     time.Now(),
		now:      time.Now,
	}
}

// Wait blocks until a token is available
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		if !sleepUnlessDone(ctx, wait) {
			return ctx.Err()
		}
	}
}
