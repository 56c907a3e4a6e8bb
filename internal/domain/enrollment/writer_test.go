package enrollment_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/observability/metrics"
)

func TestWriterMarksEnrollmentToUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	w := enrollment.NewWriter(s, enrollmentUID, nil, m)

	require.NoError(t, w.StoreReportDate(ctx, "2024-05-01T00:00:00.000"))
	require.NoError(t, w.StoreIncidentDate(ctx, "2024-04-20T00:00:00.000"))
	require.NoError(t, w.StoreCoordinates(ctx, enrollment.Coordinates{Latitude: 1.5, Longitude: 2.5}))
	require.NoError(t, w.StoreReportStatus(ctx, enrollment.ReportCompleted))

	e, err := s.Enrollment(ctx, enrollmentUID)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T00:00:00.000", e.EnrollmentDate)
	assert.Equal(t, "2024-04-20T00:00:00.000", e.IncidentDate)
	assert.Equal(t, &enrollment.Coordinates{Latitude: 1.5, Longitude: 2.5}, e.Coordinates)
	assert.Equal(t, enrollment.StatusCompleted, e.Status)
	assert.Equal(t, enrollment.StateToUpdate, e.State)

	families, err := reg.Gather()
	require.NoError(t, err)
	writes := 0
	for _, f := range families {
		if f.GetName() == "enrollment_field_writes_total" {
			writes = len(f.GetMetric())
		}
	}
	assert.Equal(t, 4, writes, "one series per written field")
}

func TestWriterOverwritesToPost(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{State: enrollment.StateToPost})

	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).
		StoreCoordinates(ctx, enrollment.Coordinates{Latitude: 0, Longitude: 0}))

	e, err := s.Enrollment(ctx, enrollmentUID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StateToUpdate, e.State)
}

func TestWriterUnknownEnrollment(t *testing.T) {
	s := newStore(t)
	err := enrollment.NewWriter(s, "missing", nil, nil).StoreReportDate(context.Background(), "2024-01-01")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
}

func TestWriterRejectsUnknownReportStatus(t *testing.T) {
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})

	err := enrollment.NewWriter(s, enrollmentUID, nil, nil).
		StoreReportStatus(context.Background(), enrollment.ReportStatus("PAUSED"))
	assert.ErrorIs(t, err, enrollment.ErrDecode)
}
