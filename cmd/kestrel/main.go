package main

import (
	"context"
	"log"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	entitiesServices "go-kestrel/internal/entities/services"
	killmailServices "go-kestrel/internal/killmails/services"
	pricesServices "go-kestrel/internal/prices/services"
	queueServices "go-kestrel/internal/queue/services"
	"go-kestrel/internal/scheduler"
	statsServices "go-kestrel/internal/stats/services"
	zkillServices "go-kestrel/internal/zkillboard/services"
	"go-kestrel/pkg/app"
	"go-kestrel/pkg/config"
	"go-kestrel/pkg/evegateway"
	esientities "go-kestrel/pkg/evegateway/entities"
	esikillmails "go-kestrel/pkg/evegateway/killmails"
	esimarket "go-kestrel/pkg/evegateway/market"
	esiuniverse "go-kestrel/pkg/evegateway/universe"
	"go-kestrel/pkg/version"
)

func main() {
	log.Printf("kestrel %s | %s | CPUs: %d GOMAXPROCS: %d",
		version.String(), version.Get().Platform,
		runtime.NumCPU(), runtime.GOMAXPROCS(0))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCtx, err := app.InitializeApp("kestrel")
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer appCtx.Shutdown(context.Background())

	pool := appCtx.Postgres.Pool

	// Upstream clients share one rate-limited pipeline and SQL-backed
	// response cache.
	cache := evegateway.NewSQLCacheManager(pool)
	esi := evegateway.NewClient(cache)
	killmailClient := esikillmails.NewKillmailClient(esi)
	entityClient := esientities.NewEntityClient(esi)
	universeClient := esiuniverse.NewUniverseClient(esi)
	marketClient := esimarket.NewMarketClient(esi)

	// Queue plumbing.
	queueRepo := queueServices.NewRepository(pool)
	dispatcher := queueServices.NewDispatcher(appCtx.Postgres, queueRepo)
	workers := queueServices.NewWorkerPool(queueRepo)

	// Domain services.
	killmailRepo := killmailServices.NewRepository(appCtx.Postgres)
	ingestor := killmailServices.NewIngestor(killmailRepo, dispatcher)
	pricesService := pricesServices.NewService(pool, marketClient)
	calculator := killmailServices.NewCalculator(pricesService)
	publisher := killmailServices.NewPublisher(killmailRepo, appCtx.Postgres, appCtx.Redis)
	entitiesService := entitiesServices.NewService(pool, entityClient, universeClient)
	aggregator := statsServices.NewAggregator(appCtx.Postgres)

	killmailServices.RegisterHandlers(workers, killmailClient, ingestor, killmailRepo, calculator, publisher, dispatcher)
	entitiesServices.RegisterHandlers(workers, entitiesService)
	pricesServices.RegisterHandlers(workers, pricesService)
	statsServices.RegisterHandlers(workers, aggregator)

	queues := []queueServices.QueueConfig{
		{
			Name:          killmailServices.QueueKillmails,
			Workers:       config.GetIntEnv("KILLMAIL_WORKERS", 5),
			RatePerSecond: float64(config.GetIntEnv("KILLMAIL_RATE_PER_SECOND", 10)),
			PollInterval:  time.Second,
		},
		{
			Name:          killmailServices.QueueEntities,
			Workers:       config.GetIntEnv("ENTITY_WORKERS", 5),
			RatePerSecond: float64(config.GetIntEnv("ENTITY_RATE_PER_SECOND", 10)),
			PollInterval:  time.Second,
		},
		{
			Name:          killmailServices.QueuePrices,
			Workers:       config.GetIntEnv("PRICE_WORKERS", 2),
			RatePerSecond: float64(config.GetIntEnv("PRICE_RATE_PER_SECOND", 2)),
			PollInterval:  5 * time.Second,
		},
		{
			Name:         killmailServices.QueueStats,
			Workers:      config.GetIntEnv("STATS_WORKERS", 2),
			PollInterval: time.Second,
		},
	}
	if err := queueServices.ValidateConfigs(queues); err != nil {
		log.Fatalf("Invalid queue configuration: %v", err)
	}
	workers.Start(ctx, queues)

	// Realtime feeds.
	var redisq *zkillServices.RedisQConsumer
	if config.GetBoolEnv("ENABLE_REDISQ", true) {
		redisq = zkillServices.NewRedisQConsumer(killmailRepo, dispatcher)
		redisq.Start(ctx)
	}

	var stream *zkillServices.StreamListener
	if config.GetBoolEnv("ENABLE_KILLSTREAM", false) {
		stream = zkillServices.NewStreamListener(ingestor, zkillServices.FollowFilterFromEnv())
		stream.Start(ctx)
	}

	// Maintenance schedules.
	sched := scheduler.New(scheduler.SystemTasks(scheduler.Deps{
		Cache:      cache,
		Queue:      queueRepo,
		Prices:     pricesService,
		Entities:   entitiesService,
		Dispatcher: dispatcher,
	}))
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received")

	// Stop intake first so drain does not race new work.
	if redisq != nil {
		redisq.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	sched.Stop()
	workers.Stop()
}
