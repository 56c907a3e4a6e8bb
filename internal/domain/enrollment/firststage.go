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
	"github.com/drfirst/go-enrollment/pkg/idgen"
)

// Registration is the outcome of first-stage resolution. EventUID is empty
// when the program does not open a stage during registration.
type Registration struct {
	SubjectUID        string `json:"subject_uid"`
	TrackedEntityType string `json:"tracked_entity_type"`
	EventUID          string `json:"event_uid"`
}

// FirstStageResolver opens the program's first stage right after
// registration when the program asks for it.
type FirstStageResolver struct {
	store   RecordStore
	ids     idgen.Generator
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewFirstStageResolver creates a resolver
func NewFirstStageResolver(store RecordStore, ids idgen.Generator, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *FirstStageResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = idgen.UUID{}
	}
	if now == nil {
		now = time.Now
	}
	return &FirstStageResolver{
		store:   store,
		ids:     ids,
		now:     now,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("enrollment-first-stage"),
	}
}

// Resolve creates an ACTIVE event dated today for the registration stage and
// returns the enrollment, the program's tracked entity type and the event.
// Without a registration stage nothing is created and the enrollment's
// subject and its type are returned with an empty event identifier.
func (r *FirstStageResolver) Resolve(ctx context.Context, enrollmentUID string) (Registration, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_first_stage",
		trace.WithAttributes(attribute.String("enrollment", enrollmentUID)))
	defer span.End()

	stage, found, err := r.store.RegistrationStage(ctx, enrollmentUID)
	if err != nil {
		span.RecordError(err)
		return Registration{}, fmt.Errorf("load registration stage: %w", err)
	}

	if !found {
		subject, err := r.store.Subject(ctx, enrollmentUID)
		if err != nil {
			span.RecordError(err)
			return Registration{}, fmt.Errorf("load subject type: %w", err)
		}
		return Registration{SubjectUID: subject.UID, TrackedEntityType: subject.TrackedEntityType}, nil
	}

	now := r.now()
	event := VisitEvent{
		UID:              r.ids.Generate(),
		Enrollment:       enrollmentUID,
		Program:          stage.Program,
		ProgramStage:     stage.ProgramStage,
		OrganisationUnit: stage.OrganisationUnit,
		EventDate:        now,
		Status:           EventActive,
		State:            StateToPost,
		Created:          now,
		LastUpdated:      now,
	}

	if err := insertEvent(ctx, r.store, event, "first_stage", r.logger, r.metrics); err != nil {
		span.RecordError(err)
		return Registration{}, err
	}
	span.SetAttributes(attribute.String("event", event.UID))

	r.logger.Info("registration stage opened",
		zap.String("enrollment", enrollmentUID),
		zap.String("program_stage", stage.ProgramStage),
		zap.String("event", event.UID))

	return Registration{
		SubjectUID:        enrollmentUID,
		TrackedEntityType: stage.TrackedEntityType,
		EventUID:          event.UID,
	}, nil
}
