package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	killmailServices "go-kestrel/internal/killmails/services"
	queueServices "go-kestrel/internal/queue/services"
	zkillServices "go-kestrel/internal/zkillboard/services"
	"go-kestrel/pkg/app"
)

func main() {
	var (
		name     = flag.String("name", "history", "backfill run name, keys the resume position")
		mode     = flag.String("mode", "enqueue", "enqueue (references only) or direct (full bodies)")
		filter   = flag.String("filter", "", "JSON filter passed to the export endpoint")
		pageSize = flag.Int("page-size", 1000, "rows per page, capped at 1000")
		maxPages = flag.Int("max-pages", 0, "stop after this many pages, 0 for unlimited")
		resume   = flag.Bool("resume", false, "continue from the recorded page")
	)
	flag.Parse()

	cfg := zkillServices.BackfillConfig{
		Name:     *name,
		Mode:     zkillServices.BackfillMode(*mode),
		PageSize: *pageSize,
		MaxPages: *maxPages,
		Resume:   *resume,
	}
	if cfg.Mode != zkillServices.ModeEnqueue && cfg.Mode != zkillServices.ModeDirect {
		log.Fatalf("Unknown mode %q", *mode)
	}
	if *filter != "" {
		if err := json.Unmarshal([]byte(*filter), &cfg.Filter); err != nil {
			log.Fatalf("Invalid filter: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCtx, err := app.InitializeApp("backfill")
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer appCtx.Shutdown(context.Background())

	pool := appCtx.Postgres.Pool
	queueRepo := queueServices.NewRepository(pool)
	dispatcher := queueServices.NewDispatcher(appCtx.Postgres, queueRepo)
	killmailRepo := killmailServices.NewRepository(appCtx.Postgres)
	ingestor := killmailServices.NewIngestor(killmailRepo, dispatcher)
	state := zkillServices.NewRepository(pool)

	backfill := zkillServices.NewBackfill(killmailRepo, ingestor, dispatcher, state)
	if err := backfill.Run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			log.Printf("Interrupted; resume with: %s", zkillServices.ResumeCommand(cfg))
			return
		}
		log.Fatalf("Backfill failed: %v", err)
	}
}
