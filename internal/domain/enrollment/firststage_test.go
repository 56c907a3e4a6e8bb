package enrollment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

func TestResolveOpensRegistrationStage(t *testing.T) {
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{TrackedEntityType: "person", UseFirstStageDuringRegistration: true},
		enrollment.ProgramStage{UID: "birth", SortOrder: 1},
		enrollment.ProgramStage{UID: "followup", SortOrder: 2},
	)
	seedEnrollment(t, s, enrollment.Enrollment{OrganisationUnit: "ou-1", TrackedEntityInstance: "tei-1"})

	reg, err := enrollment.NewFirstStageResolver(s, sequentialIDs(), clock, nil, nil).
		Resolve(context.Background(), enrollmentUID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Registration{
		SubjectUID:        enrollmentUID,
		TrackedEntityType: "person",
		EventUID:          "evt-1",
	}, reg)

	events, err := s.Events(context.Background(), enrollmentUID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "birth", e.ProgramStage)
	assert.Equal(t, "ou-1", e.OrganisationUnit)
	assert.Equal(t, enrollment.EventActive, e.Status)
	assert.Equal(t, enrollment.StateToPost, e.State)
	assert.True(t, e.EventDate.Equal(fixedNow))
	assert.Nil(t, e.DueDate)
}

func TestResolveWithoutRegistrationStageReturnsSubject(t *testing.T) {
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{TrackedEntityType: "person"},
		enrollment.ProgramStage{UID: "birth", SortOrder: 1},
	)
	seedEnrollment(t, s, enrollment.Enrollment{TrackedEntityInstance: "tei-1"})

	reg, err := enrollment.NewFirstStageResolver(s, sequentialIDs(), clock, nil, nil).
		Resolve(context.Background(), enrollmentUID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Registration{SubjectUID: "tei-1", TrackedEntityType: "person"}, reg)

	events, err := s.Events(context.Background(), enrollmentUID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestResolveFirstStageMustHaveSortOrderOne(t *testing.T) {
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{TrackedEntityType: "person", UseFirstStageDuringRegistration: true},
		enrollment.ProgramStage{UID: "later", SortOrder: 2},
	)
	seedEnrollment(t, s, enrollment.Enrollment{TrackedEntityInstance: "tei-1"})

	reg, err := enrollment.NewFirstStageResolver(s, sequentialIDs(), clock, nil, nil).
		Resolve(context.Background(), enrollmentUID)
	require.NoError(t, err)
	assert.Empty(t, reg.EventUID)
}

func TestResolveInsertFailure(t *testing.T) {
	s := newStore(t)
	seedProgram(t, s, enrollment.Program{UseFirstStageDuringRegistration: true},
		enrollment.ProgramStage{UID: "birth", SortOrder: 1},
	)
	seedEnrollment(t, s, enrollment.Enrollment{})

	store := &failingStore{RecordStore: s, failAt: 1}
	_, err := enrollment.NewFirstStageResolver(store, sequentialIDs(), clock, nil, nil).
		Resolve(context.Background(), enrollmentUID)
	assert.ErrorIs(t, err, enrollment.ErrPersistence)
}

func TestResolveUnknownEnrollment(t *testing.T) {
	s := newStore(t)
	_, err := enrollment.NewFirstStageResolver(s, sequentialIDs(), clock, nil, nil).
		Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)
}
