// cmd/chaos/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/chaos"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clients"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/store/memory"
	"github.com/libranexus/circulation/internal/store/postgres"
)

// storage is what a game day needs from a backend.
type storage interface {
	circulation.Store
	catalog.Repository
	chaos.Inspector
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadChaos()
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st storage = memory.New()
	if cfg.StoreBackend == config.BackendPostgres {
		db, err := postgres.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		pg := postgres.New(db, postgres.WithLogger(logger))
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "err", err)
			os.Exit(1)
		}
		st = pg
	}

	clock := &chaos.Clock{}
	invalidator := clients.NoopInvalidator{Logger: logger}
	subject := chaos.Subject{
		Circulation: circulation.NewService(st, config.StaticPolicy(cfg.Policy), clients.LogNotifier{Logger: logger}, invalidator, logger,
			circulation.WithClock(clock.Now)),
		Catalog:   catalog.NewService(st, invalidator, logger),
		Inspector: st,
		Clock:     clock,
		Hold:      cfg.Policy.HoldWindow(),
	}

	engine := chaos.NewEngine(logger)
	for _, exp := range chaos.Experiments(subject, chaos.Timing{Duration: cfg.Observe, SampleEvery: cfg.SampleEvery}) {
		engine.Register(exp)
	}

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Consistency Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     cfg.Pause,
	})
	if err != nil {
		logger.Error("game day interrupted", "err", err)
		os.Exit(1)
	}
	if !held {
		logger.Error("game day found consistency violations")
		os.Exit(1)
	}
	logger.Info("game day passed", "experiments", len(engine.Results()))
}
