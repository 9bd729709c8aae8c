package services

import (
	"context"
	"encoding/json"
	"fmt"

	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
)

// RegisterHandlers binds the stats update handler on the worker pool
func RegisterHandlers(pool *queueServices.WorkerPool, aggregator *Aggregator) {
	pool.Register(killmailServices.QueueStats, killmailServices.JobTypeStatsUpdate,
		func(ctx context.Context, job *queueModels.Job) error {
			var payload killmailServices.StatsPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return queueServices.Permanent(fmt.Errorf("invalid stats payload: %w", err))
			}
			return aggregator.Apply(ctx, &payload)
		})
}
