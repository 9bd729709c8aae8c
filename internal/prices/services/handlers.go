package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
)

// RegisterHandlers binds the price fetch handler on the worker pool
func RegisterHandlers(pool *queueServices.WorkerPool, service *Service) {
	pool.Register(killmailServices.QueuePrices, killmailServices.JobTypePriceHistory,
		func(ctx context.Context, job *queueModels.Job) error {
			var payload killmailServices.PricePayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return queueServices.Permanent(fmt.Errorf("invalid price payload: %w", err))
			}
			if payload.TypeID <= 0 {
				return queueServices.Permanent(fmt.Errorf("invalid type id %d", payload.TypeID))
			}

			_, err := service.FetchAndStore(ctx, payload.TypeID, time.Time{})
			return err
		})
}
