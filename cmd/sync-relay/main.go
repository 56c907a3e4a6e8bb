// Package main provides the sync relay entry point.
// Publishes enrollments and events waiting for synchronization to Redpanda.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/config"
	"github.com/drfirst/go-enrollment/internal/infrastructure/postgres"
	"github.com/drfirst/go-enrollment/internal/infrastructure/redpanda"
	"github.com/drfirst/go-enrollment/internal/infrastructure/storage"
	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/internal/observability/tracing"
	"github.com/drfirst/go-enrollment/internal/syncrelay"
)

const serviceName = "sync-relay"

// statser is implemented by stores that report relay backlog
type statser interface {
	Stats(ctx context.Context) (*postgres.SyncStats, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.Environment = cfg.Tracing.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open record store", zap.Error(err))
	}
	defer store.Close()

	if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs()); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	m := metrics.New(nil)

	relayCfg := syncrelay.DefaultConfig()
	relayCfg.BatchSize = cfg.Relay.BatchSize
	relayCfg.PollInterval = cfg.Relay.PollInterval
	relayCfg.MaxRetries = cfg.Relay.MaxRetries
	relayCfg.Workers = cfg.Relay.Workers

	relay, err := syncrelay.New(store, producer, relayCfg, logger, m)
	if err != nil {
		logger.Fatal("relay creation failed", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		s, ok := store.(statser)
		if !ok {
			http.Error(w, "stats unavailable for "+cfg.StoreDriver, http.StatusNotImplemented)
			return
		}
		stats, err := s.Stats(r.Context())
		if err != nil {
			logger.Error("sync stats failed", zap.Error(err))
			http.Error(w, "stats failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	relay.Start()
	logger.Info("sync relay started", zap.String("port", cfg.Port))

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := relay.Stop(); err != nil {
		logger.Error("relay stop error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("sync relay stopped")
}
