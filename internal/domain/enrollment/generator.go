package enrollment

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/observability/metrics"
	"github.com/drfirst/go-enrollment/pkg/dateutil"
	"github.com/drfirst/go-enrollment/pkg/idgen"
)

// Generator materializes follow-up visit events from the scheduling rules of
// a program's auto-generating stages.
//
// It does not check for events generated earlier: every call creates one
// event per stage. Callers must invoke it at most once per lifecycle
// transition that warrants generation.
type Generator struct {
	store   RecordStore
	ids     idgen.Generator
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewGenerator creates a visit event generator
func NewGenerator(store RecordStore, ids idgen.Generator, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = idgen.UUID{}
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		store:   store,
		ids:     ids,
		now:     now,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("enrollment-generator"),
	}
}

// Generate creates one SCHEDULE event per auto-generating stage and returns
// the identifiers of the stored events.
//
// A failed insert aborts the call with ErrPersistence. Events stored by
// earlier iterations stay in the store and their identifiers are returned
// alongside the error.
func (g *Generator) Generate(ctx context.Context, enrollmentUID string) ([]string, error) {
	ctx, span := g.tracer.Start(ctx, "auto_generate_events",
		trace.WithAttributes(attribute.String("enrollment", enrollmentUID)))
	defer span.End()

	stages, err := g.store.AutoGenerateStages(ctx, enrollmentUID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load auto-generate stages: %w", err)
	}
	span.SetAttributes(attribute.Int("stages", len(stages)))

	created := make([]string, 0, len(stages))
	for _, stage := range stages {
		dueDate := dateutil.AddDays(g.anchorDate(enrollmentUID, stage), stage.MinDaysFromStart)
		now := g.now()

		event := VisitEvent{
			UID:              g.ids.Generate(),
			Enrollment:       enrollmentUID,
			Program:          stage.Program,
			ProgramStage:     stage.ProgramStage,
			OrganisationUnit: stage.OrganisationUnit,
			EventDate:        dueDate,
			DueDate:          &dueDate,
			Status:           EventSchedule,
			State:            StateToPost,
			Created:          now,
			LastUpdated:      now,
		}

		if err := g.insert(ctx, event); err != nil {
			span.RecordError(err)
			return created, err
		}
		created = append(created, event.UID)
	}

	g.logger.Info("visit events generated",
		zap.String("enrollment", enrollmentUID),
		zap.Int("count", len(created)))

	return created, nil
}

// GenerateThen runs Generate and returns the enrollment identifier so the
// caller can continue its registration flow with it.
func (g *Generator) GenerateThen(ctx context.Context, enrollmentUID string) (string, error) {
	if _, err := g.Generate(ctx, enrollmentUID); err != nil {
		return "", err
	}
	return enrollmentUID, nil
}

// anchorDate picks exactly one of the enrollment or incident date, as the
// stage is configured. An unparsable anchor falls back to the current date.
func (g *Generator) anchorDate(enrollmentUID string, stage ScheduledStage) time.Time {
	raw, anchor := stage.IncidentDate, "incident_date"
	if stage.GeneratedByEnrollmentDate {
		raw, anchor = stage.EnrollmentDate, "enrollment_date"
	}

	date, err := dateutil.Parse(raw)
	if err != nil {
		g.logger.Warn("unparsable anchor date, scheduling from today",
			zap.String("enrollment", enrollmentUID),
			zap.String("program_stage", stage.ProgramStage),
			zap.String("anchor", anchor),
			zap.String("value", raw),
			zap.Error(err))
		g.metrics.DateFallback()
		return g.now()
	}
	return date
}

func (g *Generator) insert(ctx context.Context, event VisitEvent) error {
	return insertEvent(ctx, g.store, event, "auto_generate", g.logger, g.metrics)
}

// insertEvent stores a new event. Any error or a negative row id is fatal
// to the enclosing operation.
func insertEvent(ctx context.Context, store RecordStore, event VisitEvent, operation string, logger *zap.Logger, m *metrics.Metrics) error {
	id, err := store.InsertEvent(ctx, event)
	if err == nil && id < 0 {
		err = fmt.Errorf("insert returned row id %d", id)
	}
	if err != nil {
		logger.Error("unable to store event",
			zap.String("event", event.UID),
			zap.String("enrollment", event.Enrollment),
			zap.String("program_stage", event.ProgramStage),
			zap.Error(err))
		m.PersistenceFailed(operation)
		return fmt.Errorf("%w: event %s for stage %s: %v", ErrPersistence, event.UID, event.ProgramStage, err)
	}
	m.EventGenerated(string(event.Status))
	return nil
}
