package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/config"
	"github.com/Simplici0/cabinetry/internal/logger"
	"github.com/Simplici0/cabinetry/internal/seed"
	"github.com/Simplici0/cabinetry/internal/storage"
	"github.com/Simplici0/cabinetry/internal/versions"
)

type server struct {
	store *versions.Store
	log   *zap.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open rate table store", zap.String("backend", cfg.StorageBackend), zap.Error(err))
	}
	defer closeBackend()

	store := versions.NewStore(backend, versions.Options{
		MaxAttempts:  uint64(cfg.StoreMaxAttempts),
		RetryBackoff: cfg.StoreRetryBackoff,
		Logger:       log,
	})

	if cfg.SeedDefaults {
		stats, err := seed.RunDefaults(ctx, store)
		if err != nil {
			log.Fatal("failed to seed default rate table", zap.Error(err))
		}
		log.Info("seed finished", zap.Int("inserts", stats.Inserts))
	}

	srv := &server{store: store, log: log}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	log.Info("listening", zap.String("addr", httpServer.Addr), zap.String("backend", backend.Name()))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/estimate", s.handleEstimate)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handleSaveConfig)
		r.Post("/config/import", s.handleImportConfig)

		r.Get("/versions", s.handleListVersions)
		r.Get("/versions/{timestamp}", s.handleGetVersion)
		r.Post("/versions/{timestamp}/restore", s.handleRestoreVersion)

		r.Post("/proposals/snapshots", s.handleCreateSnapshot)
		r.Get("/proposals/{id}/snapshot", s.handleGetProposalSnapshot)
		r.Get("/proposals/{id}/estimate", s.handleProposalEstimate)
	})

	return r
}
