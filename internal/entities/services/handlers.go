package services

import (
	"context"
	"encoding/json"
	"fmt"

	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
)

// RegisterHandlers binds the entity refresh handlers on the worker pool.
// Every handler fails soft on upstream NotFound: the service already
// logged it and the job completes.
func RegisterHandlers(pool *queueServices.WorkerPool, service *Service) {
	pool.Register(killmailServices.QueueEntities, "character", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		_, err = service.GetCharacter(ctx, id)
		return err
	})

	pool.Register(killmailServices.QueueEntities, "corporation", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		_, err = service.GetCorporation(ctx, id)
		return err
	})

	pool.Register(killmailServices.QueueEntities, "alliance", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		_, err = service.GetAlliance(ctx, id)
		return err
	})

	pool.Register(killmailServices.QueueEntities, "type", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		_, err = service.GetType(ctx, id)
		return err
	})

	pool.Register(killmailServices.QueueEntities, "solar_system", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		return service.ResolveSolarSystem(ctx, id)
	})

	pool.Register(killmailServices.QueueEntities, "war", func(ctx context.Context, job *queueModels.Job) error {
		id, err := decodeEntityID(job.Payload)
		if err != nil {
			return err
		}
		return service.ResolveWar(ctx, id)
	})
}

func decodeEntityID(raw json.RawMessage) (int64, error) {
	var payload killmailServices.EntityPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, queueServices.Permanent(fmt.Errorf("invalid entity payload: %w", err))
	}
	if payload.EntityID <= 0 {
		return 0, queueServices.Permanent(fmt.Errorf("invalid entity id %d", payload.EntityID))
	}
	return payload.EntityID, nil
}
