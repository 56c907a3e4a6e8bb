// Package lifecycle reacts to enrollment transitions published on the
// enrollment.lifecycle topic: a created enrollment gets its scheduled
// visits, a registered one gets its first stage opened.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/redpanda"
	"github.com/drfirst/go-enrollment/pkg/idempotency"
	"github.com/drfirst/go-enrollment/pkg/workerpool"
)

// Transition is an enrollment lifecycle step
type Transition string

const (
	TransitionCreated    Transition = "created"
	TransitionRegistered Transition = "registered"
)

// Message is the payload of an enrollment.lifecycle record
type Message struct {
	EnrollmentID string     `json:"enrollment_id"`
	Transition   Transition `json:"transition"`
}

// ErrInvalidMessage is returned for records that can never be handled
var ErrInvalidMessage = errors.New("invalid lifecycle message")

// Guard runs fn at most once per key
type Guard interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Generator creates the scheduled visits of a new enrollment
type Generator interface {
	Generate(ctx context.Context, enrollmentUID string) ([]string, error)
}

// Resolver opens the first stage of a registered enrollment
type Resolver interface {
	Resolve(ctx context.Context, enrollmentUID string) (enrollment.Registration, error)
}

// IsTerminal reports errors that must not be retried. The inbox records
// them as FAILED so redeliveries are dropped. A persistence failure is
// terminal: events stored before it stay stored, and running the
// transition again would duplicate them.
func IsTerminal(err error) bool {
	return errors.Is(err, enrollment.ErrNotFound) ||
		errors.Is(err, enrollment.ErrDecode) ||
		errors.Is(err, enrollment.ErrPersistence) ||
		errors.Is(err, ErrInvalidMessage)
}

// Worker handles lifecycle messages
type Worker struct {
	guard     Guard
	generator Generator
	resolver  Resolver
	pool      *workerpool.Pool
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewWorker creates a worker. Each message is attempted up to
// cfg.MaxRetries+1 times on the pool before the consumer gives up on it.
func NewWorker(guard Guard, generator Generator, resolver Resolver, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		guard:     guard,
		generator: generator,
		resolver:  resolver,
		logger:    logger,
		tracer:    otel.Tracer("lifecycle-worker"),
	}

	pool, err := workerpool.New(cfg, w.attempt, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start starts the worker pool
func (w *Worker) Start() { w.pool.Start() }

// Stop waits for queued messages and stops the pool
func (w *Worker) Stop() error { return w.pool.Stop() }

// Handle is the redpanda.MessageHandler for the lifecycle topic. It returns
// an error only when the message should be delivered again.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.Message) error {
	m, err := Decode(msg.Value)
	if err != nil {
		w.logger.Warn("dropping lifecycle message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	reply, err := w.pool.Submit(ctx, &workerpool.Task{ID: m.EnrollmentID + ":" + string(m.Transition), Payload: m})
	if err != nil {
		return err
	}
	select {
	case res := <-reply:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decode parses and validates a lifecycle payload
func Decode(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.EnrollmentID == "" {
		return Message{}, fmt.Errorf("%w: enrollment_id is required", ErrInvalidMessage)
	}
	switch m.Transition {
	case TransitionCreated, TransitionRegistered:
	default:
		return Message{}, fmt.Errorf("%w: unknown transition %q", ErrInvalidMessage, m.Transition)
	}
	return m, nil
}

// attempt is the pool's worker function: one guarded run of a message.
func (w *Worker) attempt(ctx context.Context, task *workerpool.Task) error {
	m := task.Payload.(Message)
	ctx, span := w.tracer.Start(ctx, "lifecycle_transition",
		trace.WithAttributes(
			attribute.String("enrollment", m.EnrollmentID),
			attribute.String("transition", string(m.Transition))))
	defer span.End()

	payload, _ := json.Marshal(m)
	key := idempotency.Key(m.EnrollmentID, string(m.Transition))

	res, err := w.guard.Process(ctx, key, "lifecycle."+string(m.Transition), payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.apply(ctx, m)
	})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage), IsTerminal(err):
		w.logger.Warn("lifecycle transition abandoned",
			zap.String("enrollment", m.EnrollmentID),
			zap.String("transition", string(m.Transition)),
			zap.Error(err))
		return nil
	default:
		span.RecordError(err)
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		w.logger.Debug("lifecycle transition already applied",
			zap.String("enrollment", m.EnrollmentID),
			zap.String("transition", string(m.Transition)))
		return nil
	}
	w.logger.Info("lifecycle transition applied",
		zap.String("enrollment", m.EnrollmentID),
		zap.String("transition", string(m.Transition)),
		zap.Bool("recovered", res.WasRecovered),
		zap.ByteString("result", res.Result))
	return nil
}

func (w *Worker) apply(ctx context.Context, m Message) (json.RawMessage, error) {
	switch m.Transition {
	case TransitionCreated:
		uids, err := w.generator.Generate(ctx, m.EnrollmentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string][]string{"event_uids": uids})
	case TransitionRegistered:
		reg, err := w.resolver.Resolve(ctx, m.EnrollmentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(reg)
	}
	return nil, fmt.Errorf("%w: unknown transition %q", ErrInvalidMessage, m.Transition)
}
