package enrollment

import (
	"context"
	"errors"

	"github.com/drfirst/go-enrollment/pkg/stream"
)

// Logical table names used for change notifications.
const (
	TableProgram               = "Program"
	TableProgramStage          = "ProgramStage"
	TableEnrollment            = "Enrollment"
	TableEvent                 = "Event"
	TableProgramRule           = "ProgramRule"
	TableProgramRuleAction     = "ProgramRuleAction"
	TableProgramRuleVariable   = "ProgramRuleVariable"
	TableTrackedEntityInstance = "TrackedEntityInstance"
)

var (
	// ErrNotFound is returned when a point query matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDecode is returned when a stored value is outside its enumerated domain.
	ErrDecode = errors.New("decode stored value")
	// ErrPersistence is returned when an insert or update could not be stored.
	ErrPersistence = errors.New("persist record")
	// ErrStale is returned when a row changed after it was read.
	ErrStale = errors.New("record changed since read")
)

// EnrollmentUpdate is a point update of one enrollment row. Nil fields are
// left untouched; State is always written.
type EnrollmentUpdate struct {
	EnrollmentDate *string
	IncidentDate   *string
	Status         *Status
	Coordinates    *Coordinates
	State          State
}

// RecordStore is the persistent store the enrollment engine reads from and
// writes to. Implementations publish the affected table name on
// stream.Changes after every successful write.
type RecordStore interface {
	stream.Changes

	Enrollment(ctx context.Context, uid string) (Enrollment, error)
	EnrollmentProgramUID(ctx context.Context, uid string) (string, error)
	ProgramTitle(ctx context.Context, enrollmentUID string) (string, error)
	EnrollmentDate(ctx context.Context, uid string) (string, error)
	EnrollmentStatus(ctx context.Context, uid string) (string, error)
	EnrollmentProgram(ctx context.Context, uid string) (Program, error)
	EnrollmentSections(ctx context.Context, uid string) ([]string, error)

	// AutoGenerateStages lists the stages of the enrollment's program that
	// generate an event at enrollment time.
	AutoGenerateStages(ctx context.Context, enrollmentUID string) ([]ScheduledStage, error)
	// RegistrationStage returns the first stage (sort order 1) when the
	// program uses it during registration.
	RegistrationStage(ctx context.Context, enrollmentUID string) (RegistrationStage, bool, error)
	Subject(ctx context.Context, enrollmentUID string) (Subject, error)

	UpdateEnrollment(ctx context.Context, uid string, update EnrollmentUpdate) error
	// InsertEvent returns the new row id; a negative id signals failure.
	InsertEvent(ctx context.Context, event VisitEvent) (int64, error)
}
