// Package main provides the enrollment API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/api/handlers"
	"github.com/drfirst/go-enrollment/internal/api/middleware"
	"github.com/drfirst/go-enrollment/internal/config"
	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/storage"
	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/internal/observability/tracing"
	"github.com/drfirst/go-enrollment/internal/rules"
	"github.com/drfirst/go-enrollment/pkg/idgen"
)

const serviceName = "enrollment-api"

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
	logger.Info("record store ready", zap.String("driver", cfg.StoreDriver))

	m := metrics.New(nil)

	handler := handlers.NewEnrollmentHandler(store, func(uid string) *enrollment.Session {
		return enrollment.NewSession(store, store, rules.LiteralEvaluator{}, idgen.UUID{}, uid,
			enrollment.WithLogger(logger),
			enrollment.WithMetrics(m))
	}, logger)
	defer handler.Close()

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.Tracing(serviceName))

	// No auth
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/enrollments", handler.Routes())
	})

	// No write timeout: stream endpoints hold their response open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting enrollment API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
