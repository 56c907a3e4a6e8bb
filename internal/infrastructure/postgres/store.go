// Package postgres provides the server-side record store on PostgreSQL.
// Writes are announced to other processes with NOTIFY on the record_changes
// channel; Listen forwards their announcements to local subscribers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/notify"
	"github.com/drfirst/go-enrollment/internal/infrastructure/postgres/migrations"
	"github.com/drfirst/go-enrollment/pkg/dateutil"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed table names
const NotifyChannel = "record_changes"

var (
	_ enrollment.RecordStore = (*Store)(nil)
	_ enrollment.SyncStore   = (*Store)(nil)
)

// Store is a PostgreSQL record store
type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	hub    *notify.Hub
	origin string
	logger *zap.Logger
	tracer trace.Tracer
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		hub:    notify.NewHub(),
		origin: uuid.NewString(),
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// Open connects to databaseURL, applies migrations and returns a store
// that closes the pool on Close.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := Migrate(ctx, pool, migrations.FS); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := New(pool, logger)
	s.owned = true
	return s, nil
}

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool when the store opened it
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// Subscribe registers for change notifications on tables
func (s *Store) Subscribe(tables ...string) stream.Subscription {
	return s.hub.Subscribe(tables...)
}

// changed notifies local subscribers at once and other processes through NOTIFY.
func (s *Store) changed(ctx context.Context, tables ...string) {
	s.hub.Publish(tables...)
	for _, table := range tables {
		if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, s.origin+":"+table); err != nil {
			s.logger.Warn("change notification failed", zap.String("table", table), zap.Error(err))
		}
	}
}

// Listen forwards change notifications from other processes until ctx is
// done. It holds one pool connection for its lifetime and calls ready, when
// not nil, once the channel is being listened to.
func (s *Store) Listen(ctx context.Context, ready func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info("listening for record changes", zap.String("channel", NotifyChannel))
	if ready != nil {
		ready()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		origin, table, ok := strings.Cut(n.Payload, ":")
		if !ok || origin == s.origin {
			continue
		}
		s.hub.Publish(table)
	}
}

// Resync signals a change on every table so subscribers reload. It covers
// notifications missed while no listener was connected.
func (s *Store) Resync() {
	s.hub.Publish(allTables...)
}

var allTables = []string{
	enrollment.TableProgram,
	enrollment.TableProgramStage,
	enrollment.TableEnrollment,
	enrollment.TableEvent,
	enrollment.TableProgramRule,
	enrollment.TableProgramRuleAction,
	enrollment.TableProgramRuleVariable,
	enrollment.TableTrackedEntityInstance,
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Enrollment loads one enrollment row
func (s *Store) Enrollment(ctx context.Context, uid string) (enrollment.Enrollment, error) {
	var (
		e                        enrollment.Enrollment
		enrollmentDate, incident *string
		latitude, longitude      *float64
		status, state            string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT uid, program, organisation_unit, tracked_entity_instance,
		       enrollment_date, incident_date, status, latitude, longitude, state
		FROM enrollment
		WHERE uid = $1`, uid).Scan(
		&e.UID, &e.Program, &e.OrganisationUnit, &e.TrackedEntityInstance,
		&enrollmentDate, &incident, &status, &latitude, &longitude, &state,
	)
	if err != nil {
		return enrollment.Enrollment{}, notFound(err, "enrollment", uid)
	}

	e.EnrollmentDate = deref(enrollmentDate)
	e.IncidentDate = deref(incident)
	if e.Status, err = enrollment.ParseStatus(status); err != nil {
		return enrollment.Enrollment{}, err
	}
	if e.State, err = enrollment.ParseState(state); err != nil {
		return enrollment.Enrollment{}, err
	}
	if latitude != nil && longitude != nil {
		e.Coordinates = &enrollment.Coordinates{Latitude: *latitude, Longitude: *longitude}
	}
	return e, nil
}

// EnrollmentProgramUID returns the program an enrollment belongs to
func (s *Store) EnrollmentProgramUID(ctx context.Context, uid string) (string, error) {
	var program string
	if err := s.pool.QueryRow(ctx,
		`SELECT program FROM enrollment WHERE uid = $1`, uid).Scan(&program); err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return program, nil
}

// ProgramTitle returns the display name of the enrollment's program
func (s *Store) ProgramTitle(ctx context.Context, enrollmentUID string) (string, error) {
	var title string
	err := s.pool.QueryRow(ctx, `
		SELECT p.display_name
		FROM enrollment e
		  JOIN program p ON e.program = p.uid
		WHERE e.uid = $1`, enrollmentUID).Scan(&title)
	if err != nil {
		return "", notFound(err, "enrollment program", enrollmentUID)
	}
	return title, nil
}

// EnrollmentDate returns the stored enrollment date, "" when unset
func (s *Store) EnrollmentDate(ctx context.Context, uid string) (string, error) {
	var date *string
	if err := s.pool.QueryRow(ctx,
		`SELECT enrollment_date FROM enrollment WHERE uid = $1`, uid).Scan(&date); err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return deref(date), nil
}

// EnrollmentStatus returns the stored status text
func (s *Store) EnrollmentStatus(ctx context.Context, uid string) (string, error) {
	var status string
	if err := s.pool.QueryRow(ctx,
		`SELECT status FROM enrollment WHERE uid = $1`, uid).Scan(&status); err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return status, nil
}

// EnrollmentProgram returns the program snapshot of an enrollment
func (s *Store) EnrollmentProgram(ctx context.Context, uid string) (enrollment.Program, error) {
	var p enrollment.Program
	err := s.pool.QueryRow(ctx, `
		SELECT p.uid, p.display_name, p.tracked_entity_type,
		       p.display_incident_date, p.enrollment_date_label, p.incident_date_label,
		       p.select_enrollment_dates_in_future, p.select_incident_dates_in_future,
		       p.use_first_stage_during_registration
		FROM program p JOIN enrollment e ON e.program = p.uid
		WHERE e.uid = $1`, uid).Scan(
		&p.UID, &p.DisplayName, &p.TrackedEntityType,
		&p.DisplayIncidentDate, &p.EnrollmentDateLabel, &p.IncidentDateLabel,
		&p.SelectEnrollmentDatesInFuture, &p.SelectIncidentDatesInFuture,
		&p.UseFirstStageDuringRegistration,
	)
	if err != nil {
		return enrollment.Program{}, notFound(err, "enrollment program", uid)
	}
	return p, nil
}

// EnrollmentSections lists the enrollment rows that back the form sections
func (s *Store) EnrollmentSections(ctx context.Context, uid string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT uid FROM enrollment WHERE uid = $1`, uid)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AutoGenerateStages lists auto-generating stages with the enrollment's anchor dates
func (s *Store) AutoGenerateStages(ctx context.Context, enrollmentUID string) ([]enrollment.ScheduledStage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ps.uid, p.uid, e.organisation_unit,
		       ps.min_days_from_start, ps.generated_by_enrollment_date,
		       e.incident_date, e.enrollment_date
		FROM enrollment e
		  JOIN program p ON e.program = p.uid
		  JOIN program_stage ps ON p.uid = ps.program AND ps.auto_generate_event
		WHERE e.uid = $1
		ORDER BY ps.sort_order, ps.uid`, enrollmentUID)
	if err != nil {
		return nil, fmt.Errorf("query auto-generate stages: %w", err)
	}
	defer rows.Close()

	var stages []enrollment.ScheduledStage
	for rows.Next() {
		var (
			st                 enrollment.ScheduledStage
			incident, enrolled *string
		)
		if err := rows.Scan(&st.ProgramStage, &st.Program, &st.OrganisationUnit,
			&st.MinDaysFromStart, &st.GeneratedByEnrollmentDate, &incident, &enrolled); err != nil {
			return nil, fmt.Errorf("scan auto-generate stage: %w", err)
		}
		st.IncidentDate = deref(incident)
		st.EnrollmentDate = deref(enrolled)
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// RegistrationStage returns the first stage of programs that open it during registration
func (s *Store) RegistrationStage(ctx context.Context, enrollmentUID string) (enrollment.RegistrationStage, bool, error) {
	var st enrollment.RegistrationStage
	err := s.pool.QueryRow(ctx, `
		SELECT ps.uid, ps.program, e.organisation_unit, p.tracked_entity_type
		FROM enrollment e
		  JOIN program p ON e.program = p.uid
		  JOIN program_stage ps ON p.uid = ps.program AND p.use_first_stage_during_registration
		WHERE e.uid = $1 AND ps.sort_order = 1
		LIMIT 1`, enrollmentUID).Scan(&st.ProgramStage, &st.Program, &st.OrganisationUnit, &st.TrackedEntityType)
	if errors.Is(err, pgx.ErrNoRows) {
		return enrollment.RegistrationStage{}, false, nil
	}
	if err != nil {
		return enrollment.RegistrationStage{}, false, fmt.Errorf("query registration stage: %w", err)
	}
	return st, true, nil
}

// Subject returns the tracked entity of an enrollment and its program's type
func (s *Store) Subject(ctx context.Context, enrollmentUID string) (enrollment.Subject, error) {
	var subject enrollment.Subject
	err := s.pool.QueryRow(ctx, `
		SELECT e.tracked_entity_instance, p.tracked_entity_type
		FROM program p
		  JOIN enrollment e ON e.program = p.uid
		WHERE e.uid = $1`, enrollmentUID).Scan(&subject.UID, &subject.TrackedEntityType)
	if err != nil {
		return enrollment.Subject{}, notFound(err, "enrollment subject", enrollmentUID)
	}
	return subject, nil
}

// UpdateEnrollment applies a point update to one enrollment row
func (s *Store) UpdateEnrollment(ctx context.Context, uid string, u enrollment.EnrollmentUpdate) error {
	ctx, span := s.startSpan(ctx, "update_enrollment", attribute.String("enrollment", uid))
	defer span.End()

	sets := []string{"state = $1", "last_updated = NOW()", "version = version + 1"}
	args := []any{string(u.State)}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.EnrollmentDate != nil {
		add("enrollment_date", *u.EnrollmentDate)
	}
	if u.IncidentDate != nil {
		add("incident_date", *u.IncidentDate)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Coordinates != nil {
		add("latitude", u.Coordinates.Latitude)
		add("longitude", u.Coordinates.Longitude)
	}
	args = append(args, uid)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE enrollment SET %s WHERE uid = $%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: update enrollment %s: %v", enrollment.ErrPersistence, uid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: enrollment %s", enrollment.ErrNotFound, uid)
	}

	s.changed(ctx, enrollment.TableEnrollment)
	return nil
}

// InsertEvent stores a new visit event and returns its row id
func (s *Store) InsertEvent(ctx context.Context, e enrollment.VisitEvent) (int64, error) {
	ctx, span := s.startSpan(ctx, "insert_event",
		attribute.String("event", e.UID),
		attribute.String("program_stage", e.ProgramStage))
	defer span.End()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO event (uid, enrollment, program, program_stage, organisation_unit,
		                   event_date, due_date, status, state, created, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.UID, e.Enrollment, e.Program, e.ProgramStage, e.OrganisationUnit,
		dateutil.Format(e.EventDate), formatOptional(e.DueDate),
		string(e.Status), string(e.State),
		dateutil.Format(e.Created), dateutil.Format(e.LastUpdated),
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return -1, err
	}

	s.changed(ctx, enrollment.TableEvent)
	return id, nil
}

// Events lists the visit events of an enrollment in insertion order
func (s *Store) Events(ctx context.Context, enrollmentUID string) ([]enrollment.VisitEvent, error) {
	rows, err := s.pool.Query(ctx, eventColumns+` WHERE enrollment = $1 ORDER BY id`, enrollmentUID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []enrollment.VisitEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const eventFields = `uid, enrollment, program, program_stage, organisation_unit,
	       event_date, due_date, status, state, created, last_updated`

const eventColumns = `
	SELECT ` + eventFields + `
	FROM event`

// scanEvent reads the eventFields columns followed by any extra ones.
func scanEvent(row pgx.Row, extra ...any) (enrollment.VisitEvent, error) {
	var (
		e                               enrollment.VisitEvent
		eventDate, dueDate              *string
		status, state, created, updated string
	)
	dest := append([]any{&e.UID, &e.Enrollment, &e.Program, &e.ProgramStage, &e.OrganisationUnit,
		&eventDate, &dueDate, &status, &state, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return enrollment.VisitEvent{}, fmt.Errorf("scan event: %w", err)
	}

	e.Status = enrollment.EventStatus(status)
	var err error
	if e.State, err = enrollment.ParseState(state); err != nil {
		return enrollment.VisitEvent{}, err
	}
	if eventDate != nil {
		if e.EventDate, err = dateutil.Parse(*eventDate); err != nil {
			return enrollment.VisitEvent{}, fmt.Errorf("%w: event date of %s: %v", enrollment.ErrDecode, e.UID, err)
		}
	}
	if dueDate != nil {
		due, err := dateutil.Parse(*dueDate)
		if err != nil {
			return enrollment.VisitEvent{}, fmt.Errorf("%w: due date of %s: %v", enrollment.ErrDecode, e.UID, err)
		}
		e.DueDate = &due
	}
	if e.Created, err = dateutil.Parse(created); err != nil {
		return enrollment.VisitEvent{}, fmt.Errorf("%w: created date of %s: %v", enrollment.ErrDecode, e.UID, err)
	}
	if e.LastUpdated, err = dateutil.Parse(updated); err != nil {
		return enrollment.VisitEvent{}, fmt.Errorf("%w: last updated date of %s: %v", enrollment.ErrDecode, e.UID, err)
	}
	return e, nil
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dateutil.Format(*t)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(err error, what, uid string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", enrollment.ErrNotFound, what, uid)
	}
	return fmt.Errorf("query %s %s: %w", what, uid, err)
}
