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
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	_ "github.com/lib/pq"

	"libracirc/internal/analytics"
	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/clients"
	"libracirc/internal/config"
	"libracirc/internal/eventstore"
	"libracirc/internal/storage/memory"
	"libracirc/internal/storage/postgres"
	"libracirc/internal/sweep"
	"libracirc/internal/telemetry"
)

// store is what both services and the sweep run on.
type store interface {
	circulation.Repository
	catalog.Store
}

func main() {
	if err := run(); err != nil {
		slog.Error("circulation service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, "libracirc", cfg.OTLPEndpoint, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	logger := tel.Logger

	var (
		repo      store
		collector analytics.Collector = analytics.Discard{}
	)
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}

		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		es := eventstore.NewEventStore(db.DB)
		if err := es.Migrate(ctx); err != nil {
			return err
		}
		repo = pg
		collector = analytics.NewEventLog(es, logger)
		logger.InfoContext(ctx, "using postgres storage")
	} else {
		repo = memory.New()
		logger.InfoContext(ctx, "using in-memory storage")
	}

	metered, err := analytics.NewMetered(tel.Meter, collector)
	if err != nil {
		return err
	}

	circ := circulation.NewService(repo,
		circulation.WithCollector(metered),
		circulation.WithLogger(logger),
		circulation.WithHolds(cfg.AllowHolds),
		circulation.WithPeriods(cfg.DefaultLoanPeriod, cfg.DefaultReservationPeriod),
	)
	admin := catalog.NewService(repo, circ,
		catalog.WithCollector(metered),
		catalog.WithLogger(logger),
	)

	var vendor *clients.VendorClient
	if cfg.VendorURL != "" {
		vendor = clients.NewVendorClient(cfg.VendorURL)
		monitor := sweep.New(vendor, circ, repo, cfg.VendorCollectionID,
			sweep.WithInterval(cfg.SweepInterval),
			sweep.WithMaxStale(cfg.MaxStale),
			sweep.WithLogger(logger.With("component", "sweep")),
		)
		go func() {
			if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweep stopped", "error", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if vendor != nil && vendor.State() == gobreaker.StateOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("vendor unavailable\n"))
			return
		}
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", tel.Metrics)
	circulation.NewHandler(circ, logger).Routes(r)
	r.Route("/admin", func(r chi.Router) {
		catalog.NewHandler(admin, logger).Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(r, "libracirc"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("circulation service listening", "port", cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
