package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/fill-ledger/internal/config"
	"github.com/atmx/fill-ledger/internal/correlation"
	"github.com/atmx/fill-ledger/internal/fillsim"
	"github.com/atmx/fill-ledger/internal/httpapi"
	"github.com/atmx/fill-ledger/internal/jobs"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/paper"
	"github.com/atmx/fill-ledger/internal/reconcile"
	"github.com/atmx/fill-ledger/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := cfg.Logging.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.Database.URL,
		Migrate:     cfg.Database.Migrate,
		RedisURL:    cfg.Redis.URL,
		RedisTTL:    cfg.Redis.TTL,
	}, logger)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- WebSocket hub ---
	wsHub := httpapi.NewWSHub()
	go wsHub.Run(ctx)

	// --- Ledger and collaborators ---
	led := ledger.New(st,
		ledger.WithConfig(cfg.Ledger),
		ledger.WithLogger(logger),
		ledger.WithNotifier(wsHub),
	)
	recon := reconcile.NewEngine(st, logger)

	var runner *jobs.Runner
	if cfg.Broker.SnapshotPath != "" {
		runner = jobs.NewRunner(led, recon, st, jobs.NewFileSource(cfg.Broker.SnapshotPath), cfg.Jobs, logger)
	} else {
		slog.Warn("broker.snapshot_path not set, seed and reconcile jobs disabled")
	}

	sim := fillsim.NewSimulator(cfg.Simulator)
	limiter := correlation.NewPositionLimiter(cfg.Limits.MaxPerSymbol, cfg.Limits.MaxCorrelated)
	paperEngine := paper.NewEngine(sim, led, paper.NewStaticQuotes(),
		paper.WithLogger(logger),
		paper.WithLimits(limiter, st),
	)

	svc := httpapi.NewService(st, led, recon, runner, paperEngine, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fill-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Mount)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("fill-ledger listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down fill-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("fill-ledger stopped")
}
