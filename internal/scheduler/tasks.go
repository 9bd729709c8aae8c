package scheduler

import (
	"context"
	"log/slog"
	"time"

	killmailServices "go-kestrel/internal/killmails/services"
	queueModels "go-kestrel/internal/queue/models"
	queueServices "go-kestrel/internal/queue/services"
)

const (
	// jobRetention bounds how long terminal jobs stay queryable.
	jobRetention = 7 * 24 * time.Hour

	// Jobs locked longer than this are presumed stalled.
	stalledLockDuration = 10 * time.Minute
	maxStalledCount     = 3

	// priceSweepWindowDays matches the widest fetch window: a type with
	// no price newer than this needs a refetch.
	priceSweepWindowDays = 14
	priceSweepLimit      = 500

	entitySweepLimit = 200
)

// Deps are the services the system tasks operate on
type Deps struct {
	Cache      cacheSweeper
	Queue      queueMaintainer
	Prices     priceSweeper
	Entities   entitySweeper
	Dispatcher jobDispatcher
}

// SystemTasks returns the built-in maintenance tasks
func SystemTasks(deps Deps) []Task {
	return []Task{
		{
			Name:     "cache-sweep",
			Schedule: "0 0 * * * *", // hourly
			Run:      deps.cacheSweep,
		},
		{
			Name:     "queue-cleanup",
			Schedule: "0 0 2 * * *", // daily at 02:00
			Run:      deps.queueCleanup,
		},
		{
			Name:     "queue-reap-stalled",
			Schedule: "*/30 * * * * *", // every 30 seconds
			Run:      deps.reapStalled,
		},
		{
			Name:     "price-sweep",
			Schedule: "0 */15 * * * *", // every 15 minutes
			Run:      deps.priceSweep,
		},
		{
			Name:     "entity-refresh",
			Schedule: "0 */10 * * * *", // every 10 minutes
			Run:      deps.entityRefresh,
		},
	}
}

func (d Deps) cacheSweep(ctx context.Context) error {
	deleted, err := d.Cache.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("Swept expired cache entries", "deleted", deleted)
	}
	return nil
}

func (d Deps) queueCleanup(ctx context.Context) error {
	deleted, err := d.Queue.Cleanup(ctx, jobRetention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("Cleaned up terminal jobs", "deleted", deleted)
	}
	return nil
}

func (d Deps) reapStalled(ctx context.Context) error {
	reaped, abandoned, err := d.Queue.ReapStalled(ctx, stalledLockDuration, maxStalledCount)
	if err != nil {
		return err
	}
	if reaped > 0 || abandoned > 0 {
		slog.Warn("Reaped stalled jobs", "rescheduled", reaped, "abandoned", abandoned)
	}
	return nil
}

// priceSweep enqueues history fetches for types with no fresh price.
// Skipped while the prices queue still has a backlog so the sweep
// never floods an already-behind queue.
func (d Deps) priceSweep(ctx context.Context) error {
	backlogged, err := d.queueBacklogged(ctx, killmailServices.QueuePrices)
	if err != nil || backlogged {
		return err
	}

	typeIDs, err := d.Prices.TypesMissingFreshPrices(ctx, priceSweepWindowDays, priceSweepLimit)
	if err != nil {
		return err
	}
	if len(typeIDs) == 0 {
		return nil
	}

	reqs := make([]queueServices.Request, 0, len(typeIDs))
	for _, typeID := range typeIDs {
		reqs = append(reqs, queueServices.Request{
			Queue:   killmailServices.QueuePrices,
			Type:    killmailServices.JobTypePriceHistory,
			Payload: killmailServices.PricePayload{TypeID: typeID},
			Options: queueModels.Options{Priority: queueModels.PriorityLow, Dedup: true},
		})
	}
	enqueued, err := d.Dispatcher.DispatchMany(ctx, reqs)
	if err != nil {
		return err
	}
	slog.Info("Price sweep enqueued refetch jobs", "types", enqueued)
	return nil
}

// entityRefresh enqueues refreshes for stale cached entities, with the
// same backlog guard as the price sweep
func (d Deps) entityRefresh(ctx context.Context) error {
	backlogged, err := d.queueBacklogged(ctx, killmailServices.QueueEntities)
	if err != nil || backlogged {
		return err
	}

	stale, err := d.Entities.StaleEntities(ctx, entitySweepLimit)
	if err != nil {
		return err
	}
	typeIDs, err := d.Entities.StaleTypes(ctx, entitySweepLimit)
	if err != nil {
		return err
	}

	var reqs []queueServices.Request
	for kind, ids := range stale {
		for _, id := range ids {
			reqs = append(reqs, queueServices.Request{
				Queue:   killmailServices.QueueEntities,
				Type:    kind,
				Payload: killmailServices.EntityPayload{EntityID: id},
				Options: queueModels.Options{Priority: queueModels.PriorityLow, Dedup: true},
			})
		}
	}
	for _, id := range typeIDs {
		reqs = append(reqs, queueServices.Request{
			Queue:   killmailServices.QueueEntities,
			Type:    "type",
			Payload: killmailServices.EntityPayload{EntityID: id},
			Options: queueModels.Options{Priority: queueModels.PriorityLow, Dedup: true},
		})
	}
	if len(reqs) == 0 {
		return nil
	}

	enqueued, err := d.Dispatcher.DispatchMany(ctx, reqs)
	if err != nil {
		return err
	}
	slog.Info("Entity refresh enqueued jobs", "entities", enqueued)
	return nil
}

func (d Deps) queueBacklogged(ctx context.Context, queue string) (bool, error) {
	stats, err := d.Queue.Stats(ctx, queue)
	if err != nil {
		return false, err
	}
	return stats.Waiting() > 0, nil
}
