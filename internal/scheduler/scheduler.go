package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
)

// Task is one scheduled maintenance job. Schedule uses the six-field
// cron format with a leading seconds field.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// cacheSweeper deletes expired response-cache rows
type cacheSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// queueMaintainer is the maintenance slice of the job queue repository
type queueMaintainer interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	ReapStalled(ctx context.Context, lockDuration time.Duration, maxStalled int32) (reaped, abandoned int64, err error)
	Stats(ctx context.Context, queue string) (*queueModels.QueueStats, error)
}

// priceSweeper lists types whose price history needs refetching
type priceSweeper interface {
	TypesMissingFreshPrices(ctx context.Context, windowDays, limit int) ([]int64, error)
}

// entitySweeper lists cached entities past the freshness window
type entitySweeper interface {
	StaleEntities(ctx context.Context, limitPerKind int) (map[string][]int64, error)
	StaleTypes(ctx context.Context, limit int) ([]int64, error)
}

// jobDispatcher enqueues refresh jobs found by the sweeps
type jobDispatcher interface {
	DispatchMany(ctx context.Context, reqs []queueServices.Request) (int64, error)
}

// Scheduler runs periodic maintenance tasks on cron schedules
type Scheduler struct {
	cron  *cron.Cron
	tasks []Task

	mu      sync.Mutex
	running bool
}

// New creates a scheduler with the given tasks registered
func New(tasks []Task) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		tasks: tasks,
	}
}

// Start registers every task and launches the cron engine. Task runs
// are bounded by the passed context; a task error is logged, never
// fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	for _, task := range s.tasks {
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() {
			started := time.Now()
			if err := task.Run(ctx); err != nil {
				slog.Error("Scheduled task failed",
					"task", task.Name, "error", err)
				return
			}
			slog.Debug("Scheduled task completed",
				"task", task.Name, "duration", time.Since(started).String())
		})
		if err != nil {
			return err
		}
		slog.Info("Registered scheduled task", "task", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron engine and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	slog.Info("Scheduler stopped")
}
