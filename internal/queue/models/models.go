package models

import (
	"encoding/json"
	"time"
)

// Job statuses. A job moves pending → processing → completed, or back to
// pending on a retryable failure until attempts reach max_attempts.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Priorities. Lower sorts first.
const (
	PriorityHigh   int16 = 0
	PriorityNormal int16 = 5
	PriorityLow    int16 = 9
)

// Job represents a row in the jobs table
type Job struct {
	ID           int64           `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Priority     int16           `json:"priority"`
	AvailableAt  time.Time       `json:"available_at"`
	ReservedAt   *time.Time      `json:"reserved_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	Attempts     int32           `json:"attempts"`
	MaxAttempts  int32           `json:"max_attempts"`
	StalledCount int32           `json:"stalled_count"`
	DedupKey     *string         `json:"dedup_key,omitempty"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Options tunes a single dispatch
type Options struct {
	Priority    int16
	Delay       time.Duration
	MaxAttempts int32
	// Dedup derives a deduplication key from (queue, type, payload); a
	// second dispatch with the same key while the first is still pending
	// is dropped.
	Dedup bool
}

// QueueStats summarises a queue's backlog by status
type QueueStats struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// Waiting is the work not yet finished, used by skip-if-busy checks
func (s QueueStats) Waiting() int64 {
	return s.Pending + s.Processing
}
