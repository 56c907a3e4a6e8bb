package enrollment

import "time"

// EventStatus is the status of a visit event
type EventStatus string

const (
	EventActive    EventStatus = "ACTIVE"
	EventSchedule  EventStatus = "SCHEDULE"
	EventCompleted EventStatus = "COMPLETED"
	EventSkipped   EventStatus = "SKIPPED"
)

// VisitEvent is a scheduled or active encounter created for an enrollment.
// Once stored it belongs to the record store; nothing here mutates it again.
type VisitEvent struct {
	UID              string      `json:"uid"`
	Enrollment       string      `json:"enrollment"`
	Program          string      `json:"program"`
	ProgramStage     string      `json:"program_stage"`
	OrganisationUnit string      `json:"organisation_unit"`
	EventDate        time.Time   `json:"event_date"`
	DueDate          *time.Time  `json:"due_date,omitempty"`
	Status           EventStatus `json:"status"`
	State            State       `json:"state"`
	Created          time.Time   `json:"created"`
	LastUpdated      time.Time   `json:"last_updated"`
}

// ScheduledStage joins an auto-generating program stage with the anchor
// dates of the enrollment it is scheduled for.
type ScheduledStage struct {
	ProgramStage              string
	Program                   string
	OrganisationUnit          string
	MinDaysFromStart          int
	GeneratedByEnrollmentDate bool
	IncidentDate              string
	EnrollmentDate            string
}

// RegistrationStage is the stage a program opens immediately on registration.
type RegistrationStage struct {
	ProgramStage      string
	Program           string
	OrganisationUnit  string
	TrackedEntityType string
}

// Subject identifies the tracked entity behind an enrollment and its type.
type Subject struct {
	UID               string
	TrackedEntityType string
}
