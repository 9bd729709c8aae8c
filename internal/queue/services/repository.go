package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-kestrel/internal/queue/models"
)

const jobColumns = `id, queue, type, payload, status, priority, available_at,
	reserved_at, processed_at, attempts, max_attempts, stalled_count,
	dedup_key, error, created_at`

// Repository persists jobs in the jobs table
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new queue repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.Queue, &job.Type, &job.Payload, &job.Status,
		&job.Priority, &job.AvailableAt, &job.ReservedAt, &job.ProcessedAt,
		&job.Attempts, &job.MaxAttempts, &job.StalledCount, &job.DedupKey,
		&job.Error, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Insert stores one job. A nil returned id with a nil error means the
// dedup key matched an existing pending job and the insert was dropped.
func (r *Repository) Insert(ctx context.Context, queue, jobType string, payload json.RawMessage, opts models.Options, dedupKey *string) (*int64, error) {
	var id *int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO jobs (queue, type, payload, status, priority, available_at, max_attempts, dedup_key)
		 VALUES ($1, $2, $3, 'pending', $4, now() + $5, $6, $7)
		 ON CONFLICT (dedup_key) WHERE status = 'pending' AND dedup_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		queue, jobType, payload, opts.Priority, opts.Delay, opts.MaxAttempts, dedupKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

// InsertManyTx stores a batch of prepared rows inside the given tx. Rows
// whose dedup key collides with a pending job are dropped. Returns the
// number of rows actually inserted.
func (r *Repository) InsertManyTx(ctx context.Context, tx pgx.Tx, rows []JobRow) (int64, error) {
	var inserted int64
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO jobs (queue, type, payload, status, priority, available_at, max_attempts, dedup_key)
			 VALUES ($1, $2, $3, 'pending', $4, now() + $5, $6, $7)
			 ON CONFLICT (dedup_key) WHERE status = 'pending' AND dedup_key IS NOT NULL DO NOTHING`,
			row.Queue, row.Type, row.Payload, row.Priority, row.Delay, row.MaxAttempts, row.DedupKey,
		)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert job batch: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// JobRow is one prepared row for InsertManyTx
type JobRow struct {
	Queue       string
	Type        string
	Payload     json.RawMessage
	Priority    int16
	Delay       time.Duration
	MaxAttempts int32
	DedupKey    *string
}

// Claim atomically reserves the next eligible job on a queue. Returns nil
// when the queue is empty. Two concurrent claimers never receive the same
// job; the inner select uses FOR UPDATE SKIP LOCKED.
func (r *Repository) Claim(ctx context.Context, queue string) (*models.Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'processing', reserved_at = now(), attempts = attempts + 1
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = $1 AND status = 'pending' AND available_at <= now()
		   ORDER BY priority, available_at, id
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+jobColumns,
		queue,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job done and clears any recorded error
func (r *Repository) Complete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', processed_at = now(), error = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// Fail records a handler failure. While attempts remain the job returns to
// pending with exponential backoff (base 2s, factor 2); otherwise it is
// failed terminally. permanent forces the terminal state regardless of
// remaining attempts.
func (r *Repository) Fail(ctx context.Context, job *models.Job, failure error, permanent bool) error {
	errText := failure.Error()
	if len(errText) > 2000 {
		errText = errText[:2000]
	}

	if !permanent && job.Attempts < job.MaxAttempts {
		backoff := retryBackoff(job.Attempts)
		_, err := r.pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', available_at = now() + $2, reserved_at = NULL, error = $3
			 WHERE id = $1`,
			job.ID, backoff, errText,
		)
		if err != nil {
			return fmt.Errorf("failed to reschedule job %d: %w", job.ID, err)
		}
		return nil
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', processed_at = now(), error = $2 WHERE id = $1`,
		job.ID, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", job.ID, err)
	}
	return nil
}

// Release returns an in-flight job to pending without consuming an attempt.
// Used on worker shutdown.
func (r *Repository) Release(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', reserved_at = NULL, attempts = attempts - 1
		 WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	return nil
}

// retryBackoff is 2s * 2^(attempts-1)
func retryBackoff(attempts int32) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 2 * time.Second
	for i := int32(1); i < attempts; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}

// Stats returns the backlog of one queue by status
func (r *Repository) Stats(ctx context.Context, queue string) (*models.QueueStats, error) {
	stats := models.QueueStats{Queue: queue}
	err := r.pool.QueryRow(ctx,
		`SELECT
		   count(*) FILTER (WHERE status = 'pending'),
		   count(*) FILTER (WHERE status = 'processing'),
		   count(*) FILTER (WHERE status = 'completed'),
		   count(*) FILTER (WHERE status = 'failed')
		 FROM jobs WHERE queue = $1`,
		queue,
	).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &stats, nil
}

// StatsByQueue returns the backlog of every queue that has rows
func (r *Repository) StatsByQueue(ctx context.Context) ([]models.QueueStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT queue,
		   count(*) FILTER (WHERE status = 'pending'),
		   count(*) FILTER (WHERE status = 'processing'),
		   count(*) FILTER (WHERE status = 'completed'),
		   count(*) FILTER (WHERE status = 'failed')
		 FROM jobs GROUP BY queue ORDER BY queue`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	var all []models.QueueStats
	for rows.Next() {
		var stats models.QueueStats
		if err := rows.Scan(&stats.Queue, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		all = append(all, stats)
	}
	return all, rows.Err()
}

// Failed lists terminally failed jobs, newest first
func (r *Repository) Failed(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'failed' ORDER BY processed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Retry returns one failed job to pending with a fresh attempt budget
func (r *Repository) Retry(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', available_at = now(), attempts = 0, stalled_count = 0,
		     reserved_at = NULL, processed_at = NULL, error = NULL
		 WHERE id = $1 AND status = 'failed'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d is not in failed state", id)
	}
	return nil
}

// RetryFailed returns all failed jobs to pending, optionally scoped to a
// queue. Returns the number of jobs rescheduled.
func (r *Repository) RetryFailed(ctx context.Context, queue string) (int64, error) {
	query := `UPDATE jobs
	 SET status = 'pending', available_at = now(), attempts = 0, stalled_count = 0,
	     reserved_at = NULL, processed_at = NULL, error = NULL
	 WHERE status = 'failed'`
	args := []any{}
	if queue != "" {
		query += ` AND queue = $1`
		args = append(args, queue)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cleanup deletes terminal jobs whose processed_at is older than the cutoff
func (r *Repository) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed') AND processed_at < now() - $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes jobs on a queue. With onlyTerminal it removes completed and
// failed rows only; otherwise the whole queue.
func (r *Repository) Purge(ctx context.Context, queue string, onlyTerminal bool) (int64, error) {
	query := `DELETE FROM jobs WHERE queue = $1`
	if onlyTerminal {
		query += ` AND status IN ('completed', 'failed')`
	}

	tag, err := r.pool.Exec(ctx, query, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queue, err)
	}
	return tag.RowsAffected(), nil
}

// ReapStalled recovers processing jobs whose reservation is older than the
// lock duration. Jobs stalled more than maxStalled times fail terminally.
func (r *Repository) ReapStalled(ctx context.Context, lockDuration time.Duration, maxStalled int32) (reaped, abandoned int64, err error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', reserved_at = NULL, stalled_count = stalled_count + 1,
		     attempts = attempts - 1
		 WHERE status = 'processing' AND reserved_at < now() - $1 AND stalled_count < $2`,
		lockDuration, maxStalled,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reap stalled jobs: %w", err)
	}
	reaped = tag.RowsAffected()

	tag, err = r.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'failed', processed_at = now(), error = 'job stalled too many times'
		 WHERE status = 'processing' AND reserved_at < now() - $1 AND stalled_count >= $2`,
		lockDuration, maxStalled,
	)
	if err != nil {
		return reaped, 0, fmt.Errorf("failed to abandon stalled jobs: %w", err)
	}
	return reaped, tag.RowsAffected(), nil
}
