package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/rules"
)

// SaveProgram inserts or updates a program
func (s *Store) SaveProgram(ctx context.Context, p enrollment.Program) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO program (uid, display_name, tracked_entity_type, display_incident_date,
		    enrollment_date_label, incident_date_label, select_enrollment_dates_in_future,
		    select_incident_dates_in_future, use_first_stage_during_registration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uid) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    tracked_entity_type = EXCLUDED.tracked_entity_type,
		    display_incident_date = EXCLUDED.display_incident_date,
		    enrollment_date_label = EXCLUDED.enrollment_date_label,
		    incident_date_label = EXCLUDED.incident_date_label,
		    select_enrollment_dates_in_future = EXCLUDED.select_enrollment_dates_in_future,
		    select_incident_dates_in_future = EXCLUDED.select_incident_dates_in_future,
		    use_first_stage_during_registration = EXCLUDED.use_first_stage_during_registration`,
		p.UID, p.DisplayName, p.TrackedEntityType, p.DisplayIncidentDate,
		p.EnrollmentDateLabel, p.IncidentDateLabel, p.SelectEnrollmentDatesInFuture,
		p.SelectIncidentDatesInFuture, p.UseFirstStageDuringRegistration)
	if err != nil {
		return fmt.Errorf("save program %s: %w", p.UID, err)
	}
	s.changed(ctx, enrollment.TableProgram)
	return nil
}

// SaveProgramStage inserts or updates a program stage
func (s *Store) SaveProgramStage(ctx context.Context, ps enrollment.ProgramStage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO program_stage (uid, program, display_name, sort_order,
		    min_days_from_start, generated_by_enrollment_date, auto_generate_event)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uid) DO UPDATE SET
		    program = EXCLUDED.program,
		    display_name = EXCLUDED.display_name,
		    sort_order = EXCLUDED.sort_order,
		    min_days_from_start = EXCLUDED.min_days_from_start,
		    generated_by_enrollment_date = EXCLUDED.generated_by_enrollment_date,
		    auto_generate_event = EXCLUDED.auto_generate_event`,
		ps.UID, ps.Program, ps.DisplayName, ps.SortOrder,
		ps.MinDaysFromStart, ps.GeneratedByEnrollmentDate, ps.AutoGenerateEvent)
	if err != nil {
		return fmt.Errorf("save program stage %s: %w", ps.UID, err)
	}
	s.changed(ctx, enrollment.TableProgramStage)
	return nil
}

// SaveEnrollment inserts or updates an enrollment exactly as given
func (s *Store) SaveEnrollment(ctx context.Context, e enrollment.Enrollment) error {
	var latitude, longitude *float64
	if e.Coordinates != nil {
		latitude, longitude = &e.Coordinates.Latitude, &e.Coordinates.Longitude
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment (uid, program, organisation_unit, tracked_entity_instance,
		    enrollment_date, incident_date, status, latitude, longitude, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uid) DO UPDATE SET
		    program = EXCLUDED.program,
		    organisation_unit = EXCLUDED.organisation_unit,
		    tracked_entity_instance = EXCLUDED.tracked_entity_instance,
		    enrollment_date = EXCLUDED.enrollment_date,
		    incident_date = EXCLUDED.incident_date,
		    status = EXCLUDED.status,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    state = EXCLUDED.state,
		    last_updated = NOW(),
		    version = enrollment.version + 1`,
		e.UID, e.Program, e.OrganisationUnit, e.TrackedEntityInstance,
		optional(e.EnrollmentDate), optional(e.IncidentDate), string(e.Status),
		latitude, longitude, string(e.State))
	if err != nil {
		return fmt.Errorf("save enrollment %s: %w", e.UID, err)
	}
	s.changed(ctx, enrollment.TableEnrollment)
	return nil
}

// SaveRule inserts or updates a program rule and replaces its actions
func (s *Store) SaveRule(ctx context.Context, programUID string, r rules.Rule) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO program_rule (uid, program, name, condition, priority, program_stage)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (uid) DO UPDATE SET
			    program = EXCLUDED.program,
			    name = EXCLUDED.name,
			    condition = EXCLUDED.condition,
			    priority = EXCLUDED.priority,
			    program_stage = EXCLUDED.program_stage`,
			r.UID, programUID, r.Name, r.Condition, r.Priority, r.ProgramStage); err != nil {
			return fmt.Errorf("save program rule %s: %w", r.UID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM program_rule_action WHERE program_rule = $1`, r.UID); err != nil {
			return fmt.Errorf("clear actions of %s: %w", r.UID, err)
		}

		batch := &pgx.Batch{}
		for _, a := range r.Actions {
			batch.Queue(`
				INSERT INTO program_rule_action (uid, program_rule, action_type, data_element,
				    attribute, section, content, data)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				a.UID, r.UID, string(a.Type), a.DataElement, a.Attribute, a.Section, a.Content, a.Data)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save actions of %s: %w", r.UID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx, enrollment.TableProgramRule, enrollment.TableProgramRuleAction)
	return nil
}

// SaveVariable inserts or updates a rule variable
func (s *Store) SaveVariable(ctx context.Context, programUID string, v rules.Variable) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO program_rule_variable (uid, program, name, source_type, data_element,
		    attribute, program_stage, use_code_for_option_set)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uid) DO UPDATE SET
		    program = EXCLUDED.program,
		    name = EXCLUDED.name,
		    source_type = EXCLUDED.source_type,
		    data_element = EXCLUDED.data_element,
		    attribute = EXCLUDED.attribute,
		    program_stage = EXCLUDED.program_stage,
		    use_code_for_option_set = EXCLUDED.use_code_for_option_set`,
		v.UID, programUID, v.Name, string(v.SourceType), v.DataElement,
		v.Attribute, v.ProgramStage, v.UseCodeForOptionSet)
	if err != nil {
		return fmt.Errorf("save rule variable %s: %w", v.UID, err)
	}
	s.changed(ctx, enrollment.TableProgramRuleVariable)
	return nil
}
