package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"go-kestrel/db"
	"go-kestrel/pkg/database"
)

func main() {
	command := flag.String("command", "up", "Migration command: up, down, status, version")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	postgres, err := database.NewPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer postgres.Close(ctx)

	sqlDB := stdlib.OpenDBFromPool(postgres.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(db.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch *command {
	case "up":
		err = goose.UpContext(ctx, sqlDB, "migrations")
	case "down":
		err = goose.DownContext(ctx, sqlDB, "migrations")
	case "status":
		err = goose.StatusContext(ctx, sqlDB, "migrations")
	case "version":
		err = goose.VersionContext(ctx, sqlDB, "migrations")
	default:
		log.Fatalf("Unknown command %q", *command)
	}
	if err != nil {
		log.Fatalf("Migration %s failed: %v", *command, err)
	}
}
