// Package main provides the lifecycle worker entry point.
// Consumes enrollment transitions and creates the visits they call for.
package main

import (
	"context"
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
	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/redpanda"
	"github.com/drfirst/go-enrollment/internal/infrastructure/storage"
	"github.com/drfirst/go-enrollment/internal/lifecycle"
	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/internal/observability/tracing"
	"github.com/drfirst/go-enrollment/pkg/idempotency"
	"github.com/drfirst/go-enrollment/pkg/idgen"
	"github.com/drfirst/go-enrollment/pkg/workerpool"
)

const serviceName = "lifecycle-worker"

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

	// The inbox that deduplicates transitions lives in Postgres.
	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("lifecycle worker requires the postgres store driver",
			zap.String("driver", cfg.StoreDriver))
	}

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

	pool, _ := storage.Pool(store)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = lifecycle.IsTerminal
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	m := metrics.New(nil)
	ids := idgen.UUID{}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Relay.Workers
	poolCfg.MaxRetries = cfg.Relay.MaxRetries

	worker, err := lifecycle.NewWorker(inbox,
		enrollment.NewGenerator(store, ids, time.Now, logger, m),
		enrollment.NewFirstStageResolver(store, ids, time.Now, logger, m),
		poolCfg, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Topics = []string{redpanda.TopicEnrollmentLifecycle}

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

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

	consumer.Start()
	logger.Info("lifecycle worker started",
		zap.String("group", consumerCfg.GroupID),
		zap.String("port", cfg.Port))

	lagTicker := time.NewTicker(time.Minute)
	defer lagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := consumer.Stop(); err != nil {
				logger.Error("consumer stop error", zap.Error(err))
			}
			if err := worker.Stop(); err != nil {
				logger.Error("worker stop error", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("ops server shutdown error", zap.Error(err))
			}
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown error", zap.Error(err))
			}
			cancel()
			logger.Info("lifecycle worker stopped")
			return

		case <-lagTicker.C:
			lag, err := admin.GroupLag(ctx, consumerCfg.GroupID)
			if err != nil {
				logger.Warn("group lag unavailable", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				logger.Info("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
			}
		}
	}
}
