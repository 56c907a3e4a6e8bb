package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/rules"
)

// SaveProgram inserts or replaces a program
func (s *Store) SaveProgram(ctx context.Context, p enrollment.Program) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO Program (uid, displayName, trackedEntityType, displayIncidentDate,
		    enrollmentDateLabel, incidentDateLabel, selectEnrollmentDatesInFuture,
		    selectIncidentDatesInFuture, useFirstStageDuringRegistration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UID, p.DisplayName, p.TrackedEntityType, p.DisplayIncidentDate,
		p.EnrollmentDateLabel, p.IncidentDateLabel, p.SelectEnrollmentDatesInFuture,
		p.SelectIncidentDatesInFuture, p.UseFirstStageDuringRegistration)
	if err != nil {
		return fmt.Errorf("save program %s: %w", p.UID, err)
	}
	s.changed(enrollment.TableProgram)
	return nil
}

// SaveProgramStage inserts or replaces a program stage
func (s *Store) SaveProgramStage(ctx context.Context, ps enrollment.ProgramStage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ProgramStage (uid, program, displayName, sortOrder,
		    minDaysFromStart, generatedByEnrollmentDate, autoGenerateEvent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ps.UID, ps.Program, ps.DisplayName, ps.SortOrder,
		ps.MinDaysFromStart, ps.GeneratedByEnrollmentDate, ps.AutoGenerateEvent)
	if err != nil {
		return fmt.Errorf("save program stage %s: %w", ps.UID, err)
	}
	s.changed(enrollment.TableProgramStage)
	return nil
}

// SaveEnrollment inserts or replaces an enrollment exactly as given
func (s *Store) SaveEnrollment(ctx context.Context, e enrollment.Enrollment) error {
	var latitude, longitude sql.NullFloat64
	if e.Coordinates != nil {
		latitude = sql.NullFloat64{Float64: e.Coordinates.Latitude, Valid: true}
		longitude = sql.NullFloat64{Float64: e.Coordinates.Longitude, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Enrollment (uid, program, organisationUnit, trackedEntityInstance,
		    enrollmentDate, incidentDate, status, latitude, longitude, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
		    program = excluded.program,
		    organisationUnit = excluded.organisationUnit,
		    trackedEntityInstance = excluded.trackedEntityInstance,
		    enrollmentDate = excluded.enrollmentDate,
		    incidentDate = excluded.incidentDate,
		    status = excluded.status,
		    latitude = excluded.latitude,
		    longitude = excluded.longitude,
		    state = excluded.state,
		    version = Enrollment.version + 1`,
		e.UID, e.Program, e.OrganisationUnit, e.TrackedEntityInstance,
		nullString(e.EnrollmentDate), nullString(e.IncidentDate), string(e.Status),
		latitude, longitude, string(e.State))
	if err != nil {
		return fmt.Errorf("save enrollment %s: %w", e.UID, err)
	}
	s.changed(enrollment.TableEnrollment)
	return nil
}

// SaveRule inserts or replaces a program rule and its actions
func (s *Store) SaveRule(ctx context.Context, programUID string, r rules.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var priority sql.NullInt64
	if r.Priority != nil {
		priority = sql.NullInt64{Int64: int64(*r.Priority), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO ProgramRule (uid, program, name, condition, priority, programStage)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.UID, programUID, r.Name, r.Condition, priority, r.ProgramStage); err != nil {
		return fmt.Errorf("save program rule %s: %w", r.UID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ProgramRuleAction WHERE programRule = ?`, r.UID); err != nil {
		return fmt.Errorf("clear actions of %s: %w", r.UID, err)
	}
	for _, a := range r.Actions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ProgramRuleAction (uid, programRule, actionType, dataElement, attribute, section, content, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.UID, r.UID, string(a.Type), a.DataElement, a.Attribute, a.Section, a.Content, a.Data); err != nil {
			return fmt.Errorf("save action %s: %w", a.UID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.changed(enrollment.TableProgramRule, enrollment.TableProgramRuleAction)
	return nil
}

// SaveVariable inserts or replaces a rule variable
func (s *Store) SaveVariable(ctx context.Context, programUID string, v rules.Variable) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ProgramRuleVariable (uid, program, name, sourceType, dataElement,
		    attribute, programStage, useCodeForOptionSet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.UID, programUID, v.Name, string(v.SourceType), v.DataElement,
		v.Attribute, v.ProgramStage, v.UseCodeForOptionSet)
	if err != nil {
		return fmt.Errorf("save rule variable %s: %w", v.UID, err)
	}
	s.changed(enrollment.TableProgramRuleVariable)
	return nil
}

// SetEnrollmentStatusRaw writes a status value without validation. It
// exists for repair tooling and tests that need to reproduce corrupt rows.
func (s *Store) SetEnrollmentStatusRaw(ctx context.Context, uid, status string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE Enrollment SET status = ? WHERE uid = ?`, status, uid); err != nil {
		return fmt.Errorf("set status of %s: %w", uid, err)
	}
	s.changed(enrollment.TableEnrollment)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
