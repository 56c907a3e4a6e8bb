package enrollment

import (
	"context"

	"github.com/drfirst/go-enrollment/pkg/stream"
)

var (
	titleTables   = []string{TableEnrollment, TableProgram}
	programTables = []string{TableProgram, TableEnrollment}
)

// Reader exposes change-driven views over the fields of one enrollment.
// Every call starts an independent subscription that lives until ctx is done.
type Reader struct {
	store RecordStore
	uid   string
}

// NewReader creates a reader for one enrollment
func NewReader(store RecordStore, enrollmentUID string) *Reader {
	return &Reader{store: store, uid: enrollmentUID}
}

// Title emits the display name of the enrollment's program.
func (r *Reader) Title(ctx context.Context) <-chan stream.Item[string] {
	return stream.DistinctComparable(ctx, stream.Watch(ctx, r.store, titleTables,
		func(ctx context.Context) (string, error) {
			return r.store.ProgramTitle(ctx, r.uid)
		}))
}

// ReportDate emits the enrollment date, or "" when none is set.
func (r *Reader) ReportDate(ctx context.Context) <-chan stream.Item[string] {
	return stream.DistinctComparable(ctx, stream.Watch(ctx, r.store, []string{TableEnrollment},
		func(ctx context.Context) (string, error) {
			return r.store.EnrollmentDate(ctx, r.uid)
		}))
}

// Program emits the program snapshot that carries the incident date settings.
func (r *Reader) Program(ctx context.Context) <-chan stream.Item[Program] {
	return stream.DistinctComparable(ctx, r.programSnapshots(ctx))
}

// AllowDatesInFuture emits the program snapshot on every change, without
// de-duplication: program metadata outside the snapshot may have changed.
func (r *Reader) AllowDatesInFuture(ctx context.Context) <-chan stream.Item[Program] {
	return r.programSnapshots(ctx)
}

// ReportStatus emits the decoded report status. A stored value outside the
// enrollment status domain ends the sequence with ErrDecode.
func (r *Reader) ReportStatus(ctx context.Context) <-chan stream.Item[ReportStatus] {
	raw := stream.Watch(ctx, r.store, []string{TableEnrollment},
		func(ctx context.Context) (string, error) {
			return r.store.EnrollmentStatus(ctx, r.uid)
		})
	decoded := stream.Map(ctx, raw, func(s string) (ReportStatus, error) {
		status, err := ParseStatus(s)
		if err != nil {
			return "", err
		}
		return ReportStatusFromEnrollment(status)
	})
	return stream.DistinctComparable(ctx, decoded)
}

// Sections emits the form sections of the enrollment.
func (r *Reader) Sections(ctx context.Context) <-chan stream.Item[[]FormSection] {
	return stream.Watch(ctx, r.store, []string{TableEnrollment},
		func(ctx context.Context) ([]FormSection, error) {
			uids, err := r.store.EnrollmentSections(ctx, r.uid)
			if err != nil {
				return nil, err
			}
			sections := make([]FormSection, 0, len(uids))
			for _, uid := range uids {
				sections = append(sections, FormSection{Enrollment: uid})
			}
			return sections, nil
		})
}

// ProgramUID emits the enrollment's program identifier on every enrollment
// change. Consumers that only care about program switches de-duplicate.
func (r *Reader) ProgramUID(ctx context.Context) <-chan stream.Item[string] {
	return stream.Watch(ctx, r.store, []string{TableEnrollment},
		func(ctx context.Context) (string, error) {
			return r.store.EnrollmentProgramUID(ctx, r.uid)
		})
}

func (r *Reader) programSnapshots(ctx context.Context) <-chan stream.Item[Program] {
	return stream.Watch(ctx, r.store, programTables,
		func(ctx context.Context) (Program, error) {
			return r.store.EnrollmentProgram(ctx, r.uid)
		})
}
