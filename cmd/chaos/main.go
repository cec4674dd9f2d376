// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"libracirc/internal/chaos"
	"libracirc/internal/circulation"
	"libracirc/internal/config"
	"libracirc/internal/storage/memory"
	"libracirc/internal/storage/postgres"
)

type store interface {
	circulation.Repository
	chaos.Store
	CreateCollection(ctx context.Context, c circulation.Collection) (circulation.Collection, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("chaos game day failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	seed := uint64(time.Now().UnixNano())
	if raw := os.Getenv("CHAOS_SEED"); raw != "" {
		if seed, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return fmt.Errorf("CHAOS_SEED: %w", err)
		}
	}
	events := 500
	if raw := os.Getenv("CHAOS_EVENTS"); raw != "" {
		if events, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("CHAOS_EVENTS: %w", err)
		}
	}

	var repo store
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		repo = pg
	} else {
		repo = memory.New()
	}

	collection, err := repo.CreateCollection(ctx, circulation.Collection{
		Name:                     fmt.Sprintf("chaos-%d", seed),
		Active:                   true,
		DefaultLoanPeriod:        cfg.DefaultLoanPeriod,
		DefaultReservationPeriod: cfg.DefaultReservationPeriod,
	})
	if err != nil {
		return err
	}

	svc := circulation.NewService(repo, circulation.WithLogger(logger))
	engine := chaos.NewEngine(svc, repo, collection.ID, logger)
	engine.RegisterExperiments(seed, events)

	logger.Info("chaos seed", "seed", seed, "events", events)
	return engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Delivery faults",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	})
}
