package enrollment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

func TestReaderTitleFollowsProgramChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{DisplayName: "Antenatal care"})
	seedEnrollment(t, s, enrollment.Enrollment{})

	titles := enrollment.NewReader(s, enrollmentUID).Title(ctx)
	assert.Equal(t, "Antenatal care", next(t, titles).Value)

	// Unrelated enrollment write: same title, nothing emitted.
	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportDate(ctx, "2024-01-01"))
	nothingWithin(t, titles, 100*time.Millisecond)

	seedProgram(t, s, enrollment.Program{DisplayName: "Postnatal care"})
	assert.Equal(t, "Postnatal care", next(t, titles).Value)
}

func TestReaderReportDate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})

	dates := enrollment.NewReader(s, enrollmentUID).ReportDate(ctx)
	assert.Equal(t, "", next(t, dates).Value)

	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportDate(ctx, "2024-02-02T00:00:00.000"))
	assert.Equal(t, "2024-02-02T00:00:00.000", next(t, dates).Value)
}

func TestReaderProgramDeduplicatesButFutureFlagsDoNot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{DisplayIncidentDate: true, IncidentDateLabel: "LMP"})
	seedEnrollment(t, s, enrollment.Enrollment{})

	r := enrollment.NewReader(s, enrollmentUID)
	programs := r.Program(ctx)
	future := r.AllowDatesInFuture(ctx)

	p := next(t, programs).Value
	assert.True(t, p.DisplayIncidentDate)
	assert.Equal(t, "LMP", p.IncidentDateLabel)
	next(t, future)

	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportDate(ctx, "2024-01-01"))
	nothingWithin(t, programs, 100*time.Millisecond)
	assert.Equal(t, programUID, next(t, future).Value.UID)
}

func TestReaderReportStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{Status: enrollment.StatusCancelled})

	statuses := enrollment.NewReader(s, enrollmentUID).ReportStatus(ctx)
	assert.Equal(t, enrollment.ReportCompleted, next(t, statuses).Value)

	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportStatus(ctx, enrollment.ReportActive))
	assert.Equal(t, enrollment.ReportActive, next(t, statuses).Value)
}

func TestReaderReportStatusDecodeError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})
	require.NoError(t, s.SetEnrollmentStatusRaw(ctx, enrollmentUID, "PAUSED"))

	statuses := enrollment.NewReader(s, enrollmentUID).ReportStatus(ctx)
	item := next(t, statuses)
	require.ErrorIs(t, item.Err, enrollment.ErrDecode)
	_, open := <-statuses
	assert.False(t, open)
}

func TestReaderSections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})

	sections := next(t, enrollment.NewReader(s, enrollmentUID).Sections(ctx)).Value
	assert.Equal(t, []enrollment.FormSection{{Enrollment: enrollmentUID}}, sections)
}

func TestReaderSubscriptionsAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newStore(t)
	seedProgram(t, s, enrollment.Program{})
	seedEnrollment(t, s, enrollment.Enrollment{})
	r := enrollment.NewReader(s, enrollmentUID)

	const observers = 4
	var wg sync.WaitGroup
	results := make([]string, observers)
	for i := 0; i < observers; i++ {
		ch := r.ReportDate(ctx)
		next(t, ch)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for item := range ch {
				if item.Value != "" {
					results[i] = item.Value
					return
				}
			}
		}(i)
	}

	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportDate(ctx, "2024-07-07"))
	wg.Wait()
	for _, v := range results {
		assert.Equal(t, "2024-07-07", v)
	}

	// Cancelling one subscription leaves the others untouched.
	other, stop := context.WithCancel(ctx)
	first := r.ReportDate(other)
	second := r.ReportDate(ctx)
	next(t, first)
	next(t, second)
	stop()
	require.NoError(t, enrollment.NewWriter(s, enrollmentUID, nil, nil).StoreReportDate(ctx, "2024-08-08"))
	assert.Equal(t, "2024-08-08", next(t, second).Value)
}
