// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clients"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/kpi"
	"github.com/libranexus/circulation/internal/membership"
	"github.com/libranexus/circulation/internal/scheduler"
	"github.com/libranexus/circulation/internal/store/memory"
	"github.com/libranexus/circulation/internal/store/postgres"
	"github.com/libranexus/circulation/internal/telemetry"
)

const (
	tokenTTL        = 24 * time.Hour
	clientTimeout   = 5 * time.Second
	shutdownTimeout = 15 * time.Second
	dispatchBuffer  = 256
)

type storage interface {
	circulation.Store
	catalog.Repository
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("circulation service stopped", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, "circulation", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down telemetry", "err", err)
		}
	}()

	var (
		st        storage             = memory.New()
		policies  config.PolicySource = config.StaticPolicy(cfg.Policy)
		dashboard *kpi.Handler
	)
	if cfg.StoreBackend == config.BackendPostgres {
		db, err := postgres.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		pg := postgres.New(db, postgres.WithLogger(logger))
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		policies = postgres.NewSettings(pg, cfg.Policy)
		dashboard = kpi.NewHandler(kpi.New(db), logger)
	}

	httpClient := &http.Client{Timeout: clientTimeout}
	var notifier circulation.Notifier = clients.LogNotifier{Logger: logger}
	if cfg.NotificationURL != "" {
		notifier = clients.NewNotificationClient(cfg.NotificationURL, httpClient)
	}
	var invalidator catalog.Invalidator = clients.NoopInvalidator{Logger: logger}
	if cfg.CacheURL != "" {
		invalidator = clients.NewCacheClient(cfg.CacheURL, httpClient)
	}

	dispatcher := scheduler.NewDispatcher(cfg.PromotionWorkers, dispatchBuffer, logger)
	svc := circulation.NewService(st, policies, notifier, invalidator, logger, circulation.WithDispatcher(dispatcher))
	dispatcher.Start(svc)
	defer dispatcher.Close()

	catalogSvc := catalog.NewService(st, invalidator, logger)
	tokens := membership.NewTokens(cfg.JWTSecret, tokenTTL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(membership.Authenticate(tokens))
		circulation.NewHandler(svc, logger).Routes(r)
		catalog.NewHandler(catalogSvc, logger).Routes(r)

		r.With(membership.RequireStaff).Get("/admin/metrics", providers.Handler(logger))
		if dashboard != nil {
			r.With(membership.RequireStaff).Get("/admin/dashboard", dashboard.HandleDashboard)
		}
	})

	jobs, err := schedule(cfg, svc, logger)
	if err != nil {
		return err
	}
	go jobs.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Port, "store", cfg.StoreBackend)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// schedule registers the periodic expiry sweep and the daily fine accrual
// and reminder runs.
func schedule(cfg config.Config, svc circulation.Service, logger *slog.Logger) (*scheduler.Scheduler, error) {
	jobs := scheduler.New(logger)

	jobs.Every("expiry_sweep", cfg.SweepInterval, func(ctx context.Context) error {
		_, err := svc.RunExpirySweep(ctx)
		return err
	})

	hour, minute, err := config.ClockTime(cfg.FineAccrualAt)
	if err != nil {
		return nil, err
	}
	jobs.Daily("fine_accrual", hour, minute, func(ctx context.Context) error {
		_, err := svc.RunFineAccrual(ctx)
		return err
	})

	hour, minute, err = config.ClockTime(cfg.RemindersAt)
	if err != nil {
		return nil, err
	}
	jobs.Daily("due_date_reminders", hour, minute, func(ctx context.Context) error {
		_, err := svc.SendDueDateReminders(ctx)
		return err
	})

	return jobs, nil
}
