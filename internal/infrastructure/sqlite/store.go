// Package sqlite provides the on-device record store backed by SQLite.
// Every successful write publishes the affected table on the change hub so
// open field reads re-run their queries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/notify"
	"github.com/drfirst/go-enrollment/internal/infrastructure/sqlite/migrations"
	"github.com/drfirst/go-enrollment/pkg/dateutil"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

var (
	_ enrollment.RecordStore = (*Store)(nil)
	_ enrollment.SyncStore   = (*Store)(nil)
)

// Store is a SQLite record store
type Store struct {
	db     *sql.DB
	hub    *notify.Hub
	logger *zap.Logger
}

// Open opens (creating if needed) a store at path and applies migrations.
// The path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; a single connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, hub: notify.NewHub(), logger: logger}, nil
}

// Close closes the database handle
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Subscribe registers for change notifications on tables
func (s *Store) Subscribe(tables ...string) stream.Subscription {
	return s.hub.Subscribe(tables...)
}

func (s *Store) changed(tables ...string) {
	s.hub.Publish(tables...)
}

// Enrollment loads one enrollment row
func (s *Store) Enrollment(ctx context.Context, uid string) (enrollment.Enrollment, error) {
	var (
		e                        enrollment.Enrollment
		enrollmentDate, incident sql.NullString
		latitude, longitude      sql.NullFloat64
		status, state            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, program, organisationUnit, trackedEntityInstance,
		       enrollmentDate, incidentDate, status, latitude, longitude, state
		FROM Enrollment
		WHERE uid = ?`, uid).Scan(
		&e.UID, &e.Program, &e.OrganisationUnit, &e.TrackedEntityInstance,
		&enrollmentDate, &incident, &status, &latitude, &longitude, &state,
	)
	if err != nil {
		return enrollment.Enrollment{}, notFound(err, "enrollment", uid)
	}

	e.EnrollmentDate = enrollmentDate.String
	e.IncidentDate = incident.String
	if e.Status, err = enrollment.ParseStatus(status); err != nil {
		return enrollment.Enrollment{}, err
	}
	if e.State, err = enrollment.ParseState(state); err != nil {
		return enrollment.Enrollment{}, err
	}
	if latitude.Valid && longitude.Valid {
		e.Coordinates = &enrollment.Coordinates{Latitude: latitude.Float64, Longitude: longitude.Float64}
	}
	return e, nil
}

// EnrollmentProgramUID returns the program an enrollment belongs to
func (s *Store) EnrollmentProgramUID(ctx context.Context, uid string) (string, error) {
	var program string
	err := s.db.QueryRowContext(ctx,
		`SELECT program FROM Enrollment WHERE uid = ? LIMIT 1`, uid).Scan(&program)
	if err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return program, nil
}

// ProgramTitle returns the display name of the enrollment's program
func (s *Store) ProgramTitle(ctx context.Context, enrollmentUID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `
		SELECT Program.displayName
		FROM Enrollment
		  JOIN Program ON Enrollment.program = Program.uid
		WHERE Enrollment.uid = ?`, enrollmentUID).Scan(&title)
	if err != nil {
		return "", notFound(err, "enrollment program", enrollmentUID)
	}
	return title, nil
}

// EnrollmentDate returns the stored enrollment date, "" when unset
func (s *Store) EnrollmentDate(ctx context.Context, uid string) (string, error) {
	var date sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT enrollmentDate FROM Enrollment WHERE uid = ?`, uid).Scan(&date)
	if err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return date.String, nil
}

// EnrollmentStatus returns the stored status text
func (s *Store) EnrollmentStatus(ctx context.Context, uid string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM Enrollment WHERE uid = ?`, uid).Scan(&status)
	if err != nil {
		return "", notFound(err, "enrollment", uid)
	}
	return status, nil
}

// EnrollmentProgram returns the program snapshot of an enrollment
func (s *Store) EnrollmentProgram(ctx context.Context, uid string) (enrollment.Program, error) {
	var p enrollment.Program
	err := s.db.QueryRowContext(ctx, `
		SELECT Program.uid, Program.displayName, Program.trackedEntityType,
		       Program.displayIncidentDate, Program.enrollmentDateLabel, Program.incidentDateLabel,
		       Program.selectEnrollmentDatesInFuture, Program.selectIncidentDatesInFuture,
		       Program.useFirstStageDuringRegistration
		FROM Program JOIN Enrollment ON Enrollment.program = Program.uid
		WHERE Enrollment.uid = ?`, uid).Scan(
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
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM Enrollment WHERE uid = ?`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uids = append(uids, u)
	}
	return uids, rows.Err()
}

// AutoGenerateStages lists auto-generating stages with the enrollment's anchor dates
func (s *Store) AutoGenerateStages(ctx context.Context, enrollmentUID string) ([]enrollment.ScheduledStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ProgramStage.uid, Program.uid, Enrollment.organisationUnit,
		       ProgramStage.minDaysFromStart, ProgramStage.generatedByEnrollmentDate,
		       Enrollment.incidentDate, Enrollment.enrollmentDate
		FROM Enrollment
		  JOIN Program ON Enrollment.program = Program.uid
		  JOIN ProgramStage ON Program.uid = ProgramStage.program AND ProgramStage.autoGenerateEvent = 1
		WHERE Enrollment.uid = ?
		ORDER BY ProgramStage.sortOrder, ProgramStage.uid`, enrollmentUID)
	if err != nil {
		return nil, fmt.Errorf("query auto-generate stages: %w", err)
	}
	defer rows.Close()

	var stages []enrollment.ScheduledStage
	for rows.Next() {
		var (
			st                 enrollment.ScheduledStage
			incident, enrolled sql.NullString
		)
		if err := rows.Scan(&st.ProgramStage, &st.Program, &st.OrganisationUnit,
			&st.MinDaysFromStart, &st.GeneratedByEnrollmentDate, &incident, &enrolled); err != nil {
			return nil, fmt.Errorf("scan auto-generate stage: %w", err)
		}
		st.IncidentDate = incident.String
		st.EnrollmentDate = enrolled.String
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// RegistrationStage returns the first stage of programs that open it during registration
func (s *Store) RegistrationStage(ctx context.Context, enrollmentUID string) (enrollment.RegistrationStage, bool, error) {
	var st enrollment.RegistrationStage
	err := s.db.QueryRowContext(ctx, `
		SELECT ProgramStage.uid, ProgramStage.program, Enrollment.organisationUnit, Program.trackedEntityType
		FROM Enrollment
		  JOIN Program ON Enrollment.program = Program.uid
		  JOIN ProgramStage ON Program.uid = ProgramStage.program AND Program.useFirstStageDuringRegistration = 1
		WHERE Enrollment.uid = ? AND ProgramStage.sortOrder = 1
		LIMIT 1`, enrollmentUID).Scan(&st.ProgramStage, &st.Program, &st.OrganisationUnit, &st.TrackedEntityType)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := s.db.QueryRowContext(ctx, `
		SELECT Enrollment.trackedEntityInstance, Program.trackedEntityType
		FROM Program
		  JOIN Enrollment ON Enrollment.program = Program.uid
		WHERE Enrollment.uid = ?
		LIMIT 1`, enrollmentUID).Scan(&subject.UID, &subject.TrackedEntityType)
	if err != nil {
		return enrollment.Subject{}, notFound(err, "enrollment subject", enrollmentUID)
	}
	return subject, nil
}

// UpdateEnrollment applies a point update to one enrollment row
func (s *Store) UpdateEnrollment(ctx context.Context, uid string, u enrollment.EnrollmentUpdate) error {
	sets := []string{"state = ?", "lastUpdated = ?", "version = version + 1"}
	args := []any{string(u.State), dateutil.Format(time.Now())}

	if u.EnrollmentDate != nil {
		sets = append(sets, "enrollmentDate = ?")
		args = append(args, *u.EnrollmentDate)
	}
	if u.IncidentDate != nil {
		sets = append(sets, "incidentDate = ?")
		args = append(args, *u.IncidentDate)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Coordinates != nil {
		sets = append(sets, "latitude = ?", "longitude = ?")
		args = append(args, u.Coordinates.Latitude, u.Coordinates.Longitude)
	}
	args = append(args, uid)

	res, err := s.db.ExecContext(ctx,
		`UPDATE Enrollment SET `+strings.Join(sets, ", ")+` WHERE uid = ?`, args...)
	if err != nil {
		return fmt.Errorf("%w: update enrollment %s: %v", enrollment.ErrPersistence, uid, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: enrollment %s", enrollment.ErrNotFound, uid)
	}

	s.changed(enrollment.TableEnrollment)
	return nil
}

// InsertEvent stores a new visit event and returns its row id
func (s *Store) InsertEvent(ctx context.Context, e enrollment.VisitEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO Event (uid, enrollment, program, programStage, organisationUnit,
		                   eventDate, dueDate, status, state, created, lastUpdated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UID, e.Enrollment, e.Program, e.ProgramStage, e.OrganisationUnit,
		dateutil.Format(e.EventDate), formatOptional(e.DueDate),
		string(e.Status), string(e.State),
		dateutil.Format(e.Created), dateutil.Format(e.LastUpdated),
	)
	if err != nil {
		return -1, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, err
	}

	s.changed(enrollment.TableEvent)
	return id, nil
}

// Events lists the visit events of an enrollment in insertion order
func (s *Store) Events(ctx context.Context, enrollmentUID string) ([]enrollment.VisitEvent, error) {
	rows, err := s.db.QueryContext(ctx, eventColumns+` WHERE enrollment = ? ORDER BY id`, enrollmentUID)
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

const eventFields = `uid, enrollment, program, programStage, organisationUnit,
	       eventDate, dueDate, status, state, created, lastUpdated`

const eventColumns = `
	SELECT ` + eventFields + `
	FROM Event`

type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads the eventFields columns followed by any extra ones.
func scanEvent(row scanner, extra ...any) (enrollment.VisitEvent, error) {
	var (
		e                               enrollment.VisitEvent
		eventDate, dueDate              sql.NullString
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
	if eventDate.Valid {
		if e.EventDate, err = dateutil.Parse(eventDate.String); err != nil {
			return enrollment.VisitEvent{}, fmt.Errorf("%w: event date of %s: %v", enrollment.ErrDecode, e.UID, err)
		}
	}
	if dueDate.Valid {
		due, err := dateutil.Parse(dueDate.String)
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

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dateutil.Format(*t)
}

func notFound(err error, what, uid string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", enrollment.ErrNotFound, what, uid)
	}
	return fmt.Errorf("query %s %s: %w", what, uid, err)
}
