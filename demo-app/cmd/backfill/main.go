package main

import (
	"context"
	"os"

	"github.com/platforma-dev/batchmigrate/cli"
	"github.com/platforma-dev/batchmigrate/config"
	"github.com/platforma-dev/batchmigrate/database"
	"github.com/platforma-dev/batchmigrate/demo-app/backfill"
	"github.com/platforma-dev/batchmigrate/log"
	"github.com/platforma-dev/batchmigrate/migration"
)

// Try it:
//
//	export BATCHMIGRATE_DATABASE_DRIVER=sqlite3 BATCHMIGRATE_DATABASE_URL=demo.db
//	go run ./demo-app/cmd/backfill schema
//	go run ./demo-app/cmd/backfill run normalize-user-emails --batch-size 25
//	go run ./demo-app/cmd/backfill history normalize-user-emails
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.ErrorContext(ctx, "failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	err = backfill.Schema(ctx, db.Connection())
	if err != nil {
		log.ErrorContext(ctx, "failed to create demo table", "error", err)
		os.Exit(1)
	}

	var users int
	_ = db.Connection().GetContext(ctx, &users, `SELECT COUNT(*) FROM demo_users`)
	if users == 0 {
		err = backfill.Seed(ctx, db.Connection(), 250)
		if err != nil {
			log.ErrorContext(ctx, "failed to seed demo users", "error", err)
			os.Exit(1)
		}
	}

	registry := migration.NewRegistry()
	registry.MustRegister(backfill.ID, backfill.New(db.Connection()))

	err = cli.New(registry, cli.WithConfig(cfg)).ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
