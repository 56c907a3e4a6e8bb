package enrollment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/observability/metrics"
)

// Writer applies single-field updates to one enrollment. Every write marks
// the row TO_UPDATE.
type Writer struct {
	store   RecordStore
	uid     string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewWriter creates a writer for one enrollment
func NewWriter(store RecordStore, enrollmentUID string, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, uid: enrollmentUID, logger: logger, metrics: m}
}

// StoreReportDate sets the enrollment date
func (w *Writer) StoreReportDate(ctx context.Context, date string) error {
	return w.update(ctx, "enrollment_date", EnrollmentUpdate{EnrollmentDate: &date})
}

// StoreIncidentDate sets the incident date
func (w *Writer) StoreIncidentDate(ctx context.Context, date string) error {
	return w.update(ctx, "incident_date", EnrollmentUpdate{IncidentDate: &date})
}

// StoreCoordinates sets the enrollment geolocation
func (w *Writer) StoreCoordinates(ctx context.Context, c Coordinates) error {
	return w.update(ctx, "coordinates", EnrollmentUpdate{Coordinates: &c})
}

// StoreReportStatus sets the enrollment status from a report status
func (w *Writer) StoreReportStatus(ctx context.Context, s ReportStatus) error {
	status, err := s.EnrollmentStatus()
	if err != nil {
		return err
	}
	return w.update(ctx, "status", EnrollmentUpdate{Status: &status})
}

func (w *Writer) update(ctx context.Context, field string, u EnrollmentUpdate) error {
	// TODO: keep TO_POST for enrollments that were never submitted once the
	// sync service confirms it treats TO_UPDATE on unknown records as a create.
	u.State = StateToUpdate

	if err := w.store.UpdateEnrollment(ctx, w.uid, u); err != nil {
		w.logger.Error("enrollment update failed",
			zap.String("enrollment", w.uid),
			zap.String("field", field),
			zap.Error(err))
		return fmt.Errorf("update %s of enrollment %s: %w", field, w.uid, err)
	}
	w.metrics.FieldWritten(field)
	return nil
}
