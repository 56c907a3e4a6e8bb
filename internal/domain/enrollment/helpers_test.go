package enrollment_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/sqlite"
	"github.com/drfirst/go-enrollment/pkg/idgen"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

const (
	programUID    = "IpHINAT79UW"
	enrollmentUID = "enr-1"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

func clock() time.Time { return fixedNow }

func sequentialIDs() idgen.Generator {
	var n atomic.Int64
	return idgen.Func(func() string { return fmt.Sprintf("evt-%d", n.Add(1)) })
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProgram(t *testing.T, s *sqlite.Store, p enrollment.Program, stages ...enrollment.ProgramStage) {
	t.Helper()
	ctx := context.Background()
	if p.UID == "" {
		p.UID = programUID
	}
	require.NoError(t, s.SaveProgram(ctx, p))
	for _, st := range stages {
		st.Program = p.UID
		require.NoError(t, s.SaveProgramStage(ctx, st))
	}
}

func seedEnrollment(t *testing.T, s *sqlite.Store, e enrollment.Enrollment) {
	t.Helper()
	if e.UID == "" {
		e.UID = enrollmentUID
	}
	if e.Program == "" {
		e.Program = programUID
	}
	if e.Status == "" {
		e.Status = enrollment.StatusActive
	}
	if e.State == "" {
		e.State = enrollment.StateSynced
	}
	require.NoError(t, s.SaveEnrollment(context.Background(), e))
}

func next[T any](t *testing.T, ch <-chan stream.Item[T]) stream.Item[T] {
	t.Helper()
	select {
	case item, ok := <-ch:
		require.True(t, ok, "sequence closed unexpectedly")
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for item")
	}
	return stream.Item[T]{}
}

func nothingWithin[T any](t *testing.T, ch <-chan stream.Item[T], d time.Duration) {
	t.Helper()
	select {
	case item, ok := <-ch:
		if ok {
			t.Fatalf("unexpected emission: %+v", item)
		}
	case <-time.After(d):
	}
}

// failingStore fails the n-th event insert.
type failingStore struct {
	enrollment.RecordStore
	failAt   int64
	inserts  atomic.Int64
	negative bool
}

func (f *failingStore) InsertEvent(ctx context.Context, e enrollment.VisitEvent) (int64, error) {
	if f.inserts.Add(1) == f.failAt {
		if f.negative {
			return -1, nil
		}
		return -1, fmt.Errorf("disk full")
	}
	return f.RecordStore.InsertEvent(ctx, e)
}
