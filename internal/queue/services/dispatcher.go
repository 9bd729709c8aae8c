package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"

	"go-kestrel/internal/queue/models"
	"go-kestrel/pkg/database"
)

const (
	defaultMaxAttempts = 3

	// dispatchChunkSize bounds a single batch flight so very large fan-outs
	// do not hold one statement open for the whole set.
	dispatchChunkSize = 1000
)

// Dispatcher enqueues jobs
type Dispatcher struct {
	db   *database.Postgres
	repo *Repository
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(db *database.Postgres, repo *Repository) *Dispatcher {
	return &Dispatcher{db: db, repo: repo}
}

// Request describes one job to enqueue
type Request struct {
	Queue   string
	Type    string
	Payload any
	Options models.Options
}

// Dispatch enqueues one job. The returned id is nil when a dedup key
// matched an existing pending job.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*int64, error) {
	row, err := prepareRow(req)
	if err != nil {
		return nil, err
	}

	id, err := d.repo.Insert(ctx, row.Queue, row.Type, row.Payload, models.Options{
		Priority:    row.Priority,
		Delay:       row.Delay,
		MaxAttempts: row.MaxAttempts,
	}, row.DedupKey)
	if err != nil {
		return nil, err
	}

	if id == nil {
		slog.DebugContext(ctx, "Job deduplicated", "queue", req.Queue, "type", req.Type)
	}
	return id, nil
}

// DispatchMany enqueues a batch atomically: either every non-duplicate job
// is stored or none are. Returns the number of jobs actually enqueued.
func (d *Dispatcher) DispatchMany(ctx context.Context, reqs []Request) (int64, error) {
	if len(reqs) == 0 {
		return 0, nil
	}

	rows := make([]JobRow, 0, len(reqs))
	for _, req := range reqs {
		row, err := prepareRow(req)
		if err != nil {
			return 0, err
		}
		rows = append(rows, *row)
	}

	var inserted int64
	err := d.db.WithTx(ctx, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += dispatchChunkSize {
			end := start + dispatchChunkSize
			if end > len(rows) {
				end = len(rows)
			}
			n, err := d.repo.InsertManyTx(ctx, tx, rows[start:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func prepareRow(req Request) (*JobRow, error) {
	if req.Queue == "" || req.Type == "" {
		return nil, fmt.Errorf("dispatch requires queue and type")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	opts := req.Options
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	var dedupKey *string
	if opts.Dedup {
		key, err := DedupKey(req.Queue, req.Type, payload)
		if err != nil {
			return nil, err
		}
		dedupKey = &key
	}

	return &JobRow{
		Queue:       req.Queue,
		Type:        req.Type,
		Payload:     payload,
		Priority:    opts.Priority,
		Delay:       opts.Delay,
		MaxAttempts: opts.MaxAttempts,
		DedupKey:    dedupKey,
	}, nil
}

// DedupKey derives the deduplication key for a job: a sha256 over queue,
// type, and the canonicalised payload. Canonicalisation sorts object keys
// so logically equal payloads always collide.
func DedupKey(queue, jobType string, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(queue))
	h.Write([]byte{'|'})
	h.Write([]byte(jobType))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return marshalCanonical(value)
}

func marshalCanonical(value any) ([]byte, error) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			valJSON, err := marshalCanonical(v[k])
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			out = append(out, valJSON...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range v {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
