// Package enrollment implements the enrollment lifecycle: reactive field
// reads, single-field writes, follow-up visit generation and first-stage
// resolution at registration time.
package enrollment

import (
	"fmt"
)

// Status is the stored lifecycle status of an enrollment
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus decodes the stored textual form of a status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusCompleted, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: enrollment status %q", ErrDecode, s)
}

// State is a record's position in the client/server reconciliation lifecycle
type State string

const (
	StateSynced   State = "SYNCED"
	StateToUpdate State = "TO_UPDATE"
	StateToPost   State = "TO_POST"
	StateToDelete State = "TO_DELETE"
	StateError    State = "ERROR"
)

// ParseState decodes the stored textual form of a synchronization state.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateSynced, StateToUpdate, StateToPost, StateToDelete, StateError:
		return State(s), nil
	}
	return "", fmt.Errorf("%w: sync state %q", ErrDecode, s)
}

// ReportStatus is the status domain exposed to the form.
type ReportStatus string

const (
	ReportActive    ReportStatus = "ACTIVE"
	ReportCompleted ReportStatus = "COMPLETED"
)

// ReportStatusFromEnrollment maps an enrollment status onto the form's
// report status. Cancelled enrollments are shown as completed.
func ReportStatusFromEnrollment(s Status) (ReportStatus, error) {
	switch s {
	case StatusActive:
		return ReportActive, nil
	case StatusCompleted, StatusCancelled:
		return ReportCompleted, nil
	}
	return "", fmt.Errorf("%w: enrollment status %q", ErrDecode, s)
}

// EnrollmentStatus maps a report status back onto the stored domain.
func (r ReportStatus) EnrollmentStatus() (Status, error) {
	switch r {
	case ReportActive:
		return StatusActive, nil
	case ReportCompleted:
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("%w: report status %q", ErrDecode, r)
}

// Coordinates is an optional geolocation captured for an enrollment
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Enrollment is a subject's participation in a program. Dates are kept in
// their stored textual form; parsing is left to the consumer.
type Enrollment struct {
	UID                   string       `json:"uid"`
	Program               string       `json:"program"`
	OrganisationUnit      string       `json:"organisation_unit"`
	TrackedEntityInstance string       `json:"tracked_entity_instance"`
	EnrollmentDate        string       `json:"enrollment_date"`
	IncidentDate          string       `json:"incident_date"`
	Status                Status       `json:"status"`
	Coordinates           *Coordinates `json:"coordinates,omitempty"`
	State                 State        `json:"state"`
}

// Program is the snapshot of program metadata the form needs.
type Program struct {
	UID                             string `json:"uid"`
	DisplayName                     string `json:"display_name"`
	TrackedEntityType               string `json:"tracked_entity_type"`
	DisplayIncidentDate             bool   `json:"display_incident_date"`
	EnrollmentDateLabel             string `json:"enrollment_date_label"`
	IncidentDateLabel               string `json:"incident_date_label"`
	SelectEnrollmentDatesInFuture   bool   `json:"select_enrollment_dates_in_future"`
	SelectIncidentDatesInFuture     bool   `json:"select_incident_dates_in_future"`
	UseFirstStageDuringRegistration bool   `json:"use_first_stage_during_registration"`
}

// ProgramStage is a configured phase of a program and its scheduling rule.
type ProgramStage struct {
	UID                       string `json:"uid"`
	Program                   string `json:"program"`
	DisplayName               string `json:"display_name"`
	SortOrder                 int    `json:"sort_order"`
	MinDaysFromStart          int    `json:"min_days_from_start"`
	GeneratedByEnrollmentDate bool   `json:"generated_by_enrollment_date"`
	AutoGenerateEvent         bool   `json:"auto_generate_event"`
}

// FormSection is one section rendered for the enrollment form.
type FormSection struct {
	Enrollment string `json:"enrollment"`
}
