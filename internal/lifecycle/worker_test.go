package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/redpanda"
	"github.com/drfirst/go-enrollment/internal/infrastructure/sqlite"
	"github.com/drfirst/go-enrollment/pkg/idempotency"
	"github.com/drfirst/go-enrollment/pkg/idgen"
	"github.com/drfirst/go-enrollment/pkg/workerpool"
)

// memoryGuard mirrors the inbox: finished keys return their stored result,
// failed keys are rejected and recoverable ones run again.
type memoryGuard struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
	runs     int
	err      error
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (g *memoryGuard) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if result, ok := g.finished[key]; ok {
		return &idempotency.ProcessResult{Result: result}, nil
	}
	if g.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}

	g.runs++
	result, err := fn(ctx, payload)
	if err != nil {
		if IsTerminal(err) {
			g.failed[key] = true
		}
		return nil, err
	}
	g.finished[key] = result
	return &idempotency.ProcessResult{IsNew: true, Result: result}, nil
}

type fixture struct {
	store  *sqlite.Store
	guard  *memoryGuard
	worker *Worker
}

// failingInserts fails every failEvery-th event insert with a negative row id.
type failingInserts struct {
	*sqlite.Store
	mu        sync.Mutex
	calls     int
	failEvery int
}

func (s *failingInserts) InsertEvent(ctx context.Context, event enrollment.VisitEvent) (int64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls%s.failEvery == 0
	s.mu.Unlock()
	if fail {
		return -1, nil
	}
	return s.Store.InsertEvent(ctx, event)
}

func newFixture(t *testing.T, resolver Resolver) *fixture {
	return newFixtureWithStore(t, resolver, nil)
}

// newFixtureWithStore lets wrap replace the store the generator writes to.
func newFixtureWithStore(t *testing.T, resolver Resolver, wrap func(*sqlite.Store) enrollment.RecordStore) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var records enrollment.RecordStore = store
	if wrap != nil {
		records = wrap(store)
	}

	require.NoError(t, store.SaveProgram(ctx, enrollment.Program{
		UID: "IpHINAT79UW", TrackedEntityType: "nEenWmSyUEp", UseFirstStageDuringRegistration: true,
	}))
	require.NoError(t, store.SaveProgramStage(ctx, enrollment.ProgramStage{
		UID: "A03MvHHogjR", Program: "IpHINAT79UW", SortOrder: 1, AutoGenerateEvent: true,
	}))
	require.NoError(t, store.SaveProgramStage(ctx, enrollment.ProgramStage{
		UID: "ZzYYXq4fJie", Program: "IpHINAT79UW", SortOrder: 2, MinDaysFromStart: 14, AutoGenerateEvent: true,
	}))
	require.NoError(t, store.SaveEnrollment(ctx, enrollment.Enrollment{
		UID: "enr-1", Program: "IpHINAT79UW", TrackedEntityInstance: "tei-1",
		EnrollmentDate: "2024-01-10", Status: enrollment.StatusActive, State: enrollment.StateToPost,
	}))

	var n int
	var mu sync.Mutex
	ids := idgen.Func(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("evt-%d", n)
	})
	logger := zaptest.NewLogger(t)
	if resolver == nil {
		resolver = enrollment.NewFirstStageResolver(records, ids, time.Now, logger, nil)
	}

	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond

	guard := newMemoryGuard()
	w, err := NewWorker(guard, enrollment.NewGenerator(records, ids, time.Now, logger, nil), resolver, cfg, logger)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	return &fixture{store: store, guard: guard, worker: w}
}

func message(t *testing.T, id string, transition Transition) *redpanda.Message {
	t.Helper()
	value, err := json.Marshal(Message{EnrollmentID: id, Transition: transition})
	require.NoError(t, err)
	return &redpanda.Message{Topic: redpanda.TopicEnrollmentLifecycle, Key: []byte(id), Value: value}
}

func TestCreatedGeneratesVisitsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionCreated)))
	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionCreated)))

	events, err := f.store.Events(ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, f.guard.runs)
}

func TestRegisteredOpensFirstStage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionRegistered)))

	events, err := f.store.Events(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A03MvHHogjR", events[0].ProgramStage)
	assert.Equal(t, enrollment.EventActive, events[0].Status)

	// A different transition of the same enrollment is a different key.
	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionCreated)))
	assert.Equal(t, 2, f.guard.runs)
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	f := newFixture(t, nil)

	for _, value := range []string{`not json`, `{"transition":"created"}`, `{"enrollment_id":"enr-1","transition":"paused"}`} {
		err := f.worker.Handle(context.Background(), &redpanda.Message{Value: []byte(value)})
		assert.NoError(t, err, value)
	}
	assert.Zero(t, f.guard.runs)
}

type flakyResolver struct {
	mu    sync.Mutex
	calls int
	fails int
	err   error
}

func (r *flakyResolver) Resolve(context.Context, string) (enrollment.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return enrollment.Registration{}, r.err
	}
	return enrollment.Registration{SubjectUID: "tei-1", EventUID: "evt-9"}, nil
}

func TestTransientFailuresAreRetriedOnThePool(t *testing.T) {
	resolver := &flakyResolver{fails: 2, err: errors.New("connection reset")}
	f := newFixture(t, resolver)

	require.NoError(t, f.worker.Handle(context.Background(), message(t, "enr-1", TransitionRegistered)))
	assert.Equal(t, 3, resolver.calls)
}

func TestPersistenceFailureIsNotRetried(t *testing.T) {
	resolver := &flakyResolver{fails: 10, err: fmt.Errorf("insert: %w", enrollment.ErrPersistence)}
	f := newFixture(t, resolver)
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionRegistered)))
	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionRegistered)))
	assert.Equal(t, 1, resolver.calls)
}

func TestFailedGenerationKeepsEarlierEventsWithoutDuplicates(t *testing.T) {
	var inserts *failingInserts
	f := newFixtureWithStore(t, nil, func(s *sqlite.Store) enrollment.RecordStore {
		inserts = &failingInserts{Store: s, failEvery: 2}
		return inserts
	})
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionCreated)))
	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionCreated)))

	events, err := f.store.Events(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A03MvHHogjR", events[0].ProgramStage)
	assert.Equal(t, 2, inserts.calls)
	assert.Equal(t, 1, f.guard.runs)
}

func TestTerminalFailuresAreNotRedelivered(t *testing.T) {
	resolver := &flakyResolver{fails: 10, err: fmt.Errorf("subject: %w", enrollment.ErrNotFound)}
	f := newFixture(t, resolver)
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionRegistered)))
	require.NoError(t, f.worker.Handle(ctx, message(t, "enr-1", TransitionRegistered)))
	assert.Equal(t, 1, resolver.calls)
}

func TestGuardUnavailableAsksForRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.guard.err = idempotency.ErrMessageInProgress

	err := f.worker.Handle(context.Background(), message(t, "enr-1", TransitionCreated))
	assert.ErrorIs(t, err, idempotency.ErrMessageInProgress)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(fmt.Errorf("x: %w", enrollment.ErrNotFound)))
	assert.True(t, IsTerminal(fmt.Errorf("x: %w", enrollment.ErrDecode)))
	assert.True(t, IsTerminal(fmt.Errorf("x: %w", enrollment.ErrPersistence)))
	assert.False(t, IsTerminal(errors.New("network")))
}
