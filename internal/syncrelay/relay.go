// Package syncrelay publishes records waiting for synchronization to
// Redpanda and records the outcome on each row.
package syncrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/redpanda"
	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/pkg/circuitbreaker"
	"github.com/drfirst/go-enrollment/pkg/workerpool"
)

// Publisher sends one record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Locker is implemented by stores that let only one relay work at a time.
type Locker interface {
	WithRelayLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

// Config holds relay configuration
type Config struct {
	// BatchSize is the number of records fetched per poll
	BatchSize int
	// PollInterval is how often to poll for pending records
	PollInterval time.Duration
	// MaxRetries is the number of publish attempts before a record is marked ERROR
	MaxRetries int
	// Workers is the number of concurrent publishers
	Workers int
	// RetryDelay is the base delay between attempts
	RetryDelay time.Duration
	Breaker    circuitbreaker.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxRetries:   3,
		Workers:      8,
		RetryDelay:   200 * time.Millisecond,
		Breaker:      circuitbreaker.DefaultConfig("redpanda"),
	}
}

// Message is the payload published for a pending record
type Message struct {
	Table      string                 `json:"table"`
	UID        string                 `json:"uid"`
	State      enrollment.State       `json:"state"`
	Enrollment *enrollment.Enrollment `json:"enrollment,omitempty"`
	Event      *enrollment.VisitEvent `json:"event,omitempty"`
	RelayedAt  time.Time              `json:"relayed_at"`
}

// Relay polls the store and publishes pending records
type Relay struct {
	store     enrollment.SyncStore
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	pool      *workerpool.Pool
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a relay
func New(store enrollment.SyncStore, publisher Publisher, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	r := &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("sync-relay"),
		done:      make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg = circuitbreaker.DefaultConfig("redpanda")
	}
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}
	r.breaker = breaker
	m.SetBreakerState(breakerCfg.Name, breaker.State().Gauge())

	pool, err := workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries - 1,
		RetryDelay: cfg.RetryDelay,
	}, r.publish, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	pool.Start()

	return r, nil
}

// Start begins polling for pending records
func (r *Relay) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.processLoop()
	r.logger.Info("sync relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for in-flight publications
func (r *Relay) Stop() error {
	r.cancel()
	if r.started.Load() {
		<-r.done
	}
	err := r.pool.Stop()
	stats := r.pool.Stats()
	r.logger.Info("sync relay stopped",
		zap.Int64("published", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int64("retried", stats.TasksRetried),
		zap.Int64("breaker_failures", int64(r.breaker.Counts().TotalFailures)))
	return err
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Error("sync relay batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending records and returns how many
// were marked SYNCED. A store that implements Locker is only processed
// while this relay holds its lock.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "sync_relay_process_batch")
	defer span.End()

	var synced int
	run := func(ctx context.Context) error {
		n, err := r.processBatch(ctx)
		synced = n
		return err
	}

	locker, ok := r.store.(Locker)
	if !ok {
		err := run(ctx)
		return synced, err
	}
	acquired, err := locker.WithRelayLock(ctx, run)
	if err != nil {
		span.RecordError(err)
		return synced, err
	}
	span.SetAttributes(attribute.Bool("lock_acquired", acquired))
	return synced, nil
}

func (r *Relay) processBatch(ctx context.Context) (int, error) {
	records, err := r.store.PendingRecords(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending records: %w", err)
	}
	r.metrics.SetPending(len(records))
	if len(records) == 0 {
		return 0, nil
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("batch_size", len(records)))

	tasks := make([]*workerpool.Task, len(records))
	for i := range records {
		tasks[i] = &workerpool.Task{ID: records[i].Table + ":" + records[i].UID, Payload: records[i]}
	}

	synced := 0
	for i, result := range r.pool.RunBatch(ctx, tasks) {
		rec := records[i]
		switch {
		case result.Err == nil:
			err := r.store.MarkState(ctx, rec.Table, rec.UID, rec.Version, enrollment.StateSynced)
			switch {
			case err == nil:
				synced++
			case errors.Is(err, enrollment.ErrStale):
				// Edited while in flight; the next batch publishes the new version.
				r.logger.Debug("record changed during publish, left pending",
					zap.String("table", rec.Table), zap.String("uid", rec.UID))
			default:
				r.logger.Error("failed to mark record synced",
					zap.String("table", rec.Table), zap.String("uid", rec.UID), zap.Error(err))
			}
		case errors.Is(result.Err, circuitbreaker.ErrOpen), ctx.Err() != nil:
			// Not attempted against the broker; the record stays pending.
			r.logger.Debug("record left pending",
				zap.String("table", rec.Table), zap.String("uid", rec.UID), zap.Error(result.Err))
			continue
		default:
			r.logger.Error("failed to relay record",
				zap.String("table", rec.Table),
				zap.String("uid", rec.UID),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
			err := r.store.MarkState(ctx, rec.Table, rec.UID, rec.Version, enrollment.StateError)
			if err != nil && !errors.Is(err, enrollment.ErrStale) {
				r.logger.Error("failed to mark record as errored",
					zap.String("table", rec.Table), zap.String("uid", rec.UID), zap.Error(err))
			}
		}
		r.metrics.Relayed(rec.Table, result.Err)
	}

	return synced, nil
}

// publish is the worker function: one attempt at one record.
func (r *Relay) publish(ctx context.Context, task *workerpool.Task) error {
	rec, ok := task.Payload.(enrollment.PendingRecord)
	if !ok {
		return fmt.Errorf("unexpected task payload %T", task.Payload)
	}

	topic, key, err := route(rec)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{
		Table:      rec.Table,
		UID:        rec.UID,
		State:      rec.State,
		Enrollment: rec.Enrollment,
		Event:      rec.Event,
		RelayedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", task.ID, err)
	}

	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, topic, key, body)
	})
}

// route picks the topic of a record and keys it by enrollment so an
// enrollment's records stay in one partition.
func route(rec enrollment.PendingRecord) (topic, key string, err error) {
	switch {
	case rec.Table == enrollment.TableEnrollment && rec.Enrollment != nil:
		return redpanda.TopicEnrollmentSync, rec.Enrollment.UID, nil
	case rec.Table == enrollment.TableEvent && rec.Event != nil:
		return redpanda.TopicEventSync, rec.Event.Enrollment, nil
	}
	return "", "", fmt.Errorf("cannot route %s record %s", rec.Table, rec.UID)
}
