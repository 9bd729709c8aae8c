package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
	"go-kestrel/pkg/evegateway"
	esikillmails "go-kestrel/pkg/evegateway/killmails"
)

// RegisterHandlers binds the killmails queue handlers on the worker pool
func RegisterHandlers(
	pool *queueServices.WorkerPool,
	esiClient esikillmails.Client,
	ingestor *Ingestor,
	repository *Repository,
	calculator *Calculator,
	publisher *Publisher,
	dispatcher *queueServices.Dispatcher,
) {
	pool.Register(QueueKillmails, JobTypeFetch, fetchHandler(esiClient, ingestor))
	pool.Register(QueueKillmails, JobTypeValue, valueHandler(repository, calculator, dispatcher))
	pool.Register(QueueKillmails, JobTypePublish, publishHandler(publisher))
}

// fetchHandler pulls the killmail body from the upstream and runs it
// through the ingestor
func fetchHandler(esiClient esikillmails.Client, ingestor *Ingestor) queueServices.Handler {
	return func(ctx context.Context, job *queueModels.Job) error {
		var payload FetchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queueServices.Permanent(fmt.Errorf("invalid fetch payload: %w", err))
		}

		km, err := esiClient.GetKillmail(ctx, payload.KillmailID, payload.Hash)
		if err != nil {
			if errors.Is(err, evegateway.ErrNotFound) {
				// Wrong hash or purged killmail: nothing to retry.
				slog.WarnContext(ctx, "Killmail not found upstream",
					"killmail_id", payload.KillmailID)
				return nil
			}
			return err
		}

		_, err = ingestor.Ingest(ctx, ConvertESI(km, payload.Hash), 0)
		return err
	}
}

// valueHandler computes and persists the ISK values, then requests a
// publish with the final figures
func valueHandler(repository *Repository, calculator *Calculator, dispatcher *queueServices.Dispatcher) queueServices.Handler {
	return func(ctx context.Context, job *queueModels.Job) error {
		var payload ValuePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queueServices.Permanent(fmt.Errorf("invalid value payload: %w", err))
		}

		full, err := repository.Get(ctx, payload.KillmailID)
		if err != nil {
			if errors.Is(err, ErrKillmailNotFound) {
				return queueServices.Permanent(err)
			}
			return err
		}

		values, err := calculator.Calculate(ctx, full)
		if err != nil {
			return err
		}

		if err := repository.UpdateValues(ctx, payload.KillmailID, values); err != nil {
			return err
		}

		slog.InfoContext(ctx, "Killmail values calculated",
			"killmail_id", payload.KillmailID,
			"total_value", values.TotalValue)

		_, err = dispatcher.Dispatch(ctx, queueServices.Request{
			Queue:   QueueKillmails,
			Type:    JobTypePublish,
			Payload: PublishPayload{KillmailID: payload.KillmailID},
			Options: queueModels.Options{Dedup: true},
		})
		return err
	}
}

// publishHandler pushes the enriched document on the downstream channel
func publishHandler(publisher *Publisher) queueServices.Handler {
	return func(ctx context.Context, job *queueModels.Job) error {
		var payload PublishPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queueServices.Permanent(fmt.Errorf("invalid publish payload: %w", err))
		}

		err := publisher.Publish(ctx, payload.KillmailID)
		if errors.Is(err, ErrKillmailNotFound) {
			return queueServices.Permanent(err)
		}
		return err
	}
}
