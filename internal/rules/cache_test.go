package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-enrollment/internal/infrastructure/notify"
	"github.com/drfirst/go-enrollment/pkg/stream"
)

type staticEvaluator struct{}

func (staticEvaluator) Evaluate(expression string) (string, error) { return expression, nil }

type fakeSource struct {
	mu        sync.Mutex
	err       error
	ruleCalls atomic.Int64
	varCalls  atomic.Int64
	// barrier makes each fetch wait until the other one has started.
	barrier *sync.WaitGroup
}

func (s *fakeSource) Rules(ctx context.Context, program string) ([]Rule, error) {
	s.ruleCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []Rule{{UID: program + "-rule", Condition: "true"}}, nil
}

func (s *fakeSource) Variables(ctx context.Context, program string) ([]Variable, error) {
	s.varCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return []Variable{{UID: program + "-var", Name: "age"}}, nil
}

func (s *fakeSource) wait(ctx context.Context) error {
	if s.barrier == nil {
		return nil
	}
	s.barrier.Done()
	done := make(chan struct{})
	go func() {
		s.barrier.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return errors.New("fetches did not run concurrently")
	}
}

type programHolder struct {
	mu    sync.Mutex
	value string
	hub   *notify.Hub
}

func newProgramHolder(v string) *programHolder {
	return &programHolder{value: v, hub: notify.NewHub()}
}

func (p *programHolder) set(v string) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
	p.hub.Publish("Enrollment")
}

func (p *programHolder) watch(ctx context.Context) <-chan stream.Item[string] {
	return stream.Watch(ctx, p.hub, []string{"Enrollment"}, func(context.Context) (string, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, nil
	})
}

func receive(t *testing.T, ch <-chan stream.Item[*EvaluationContext]) stream.Item[*EvaluationContext] {
	t.Helper()
	select {
	case item, ok := <-ch:
		require.True(t, ok, "sequence closed")
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rule context")
	}
	return stream.Item[*EvaluationContext]{}
}

func TestCacheBuildsOnceAndReplays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{}
	programs := newProgramHolder("IpHINAT79UW")
	cache := NewCache(source, staticEvaluator{}, programs.watch, nil, nil)
	defer cache.Close()

	first := receive(t, cache.Observe(ctx))
	require.NoError(t, first.Err)
	assert.Equal(t, "IpHINAT79UW", first.Value.Program())
	assert.Len(t, first.Value.Rules(), 1)
	assert.Len(t, first.Value.Variables(), 1)

	second := receive(t, cache.Observe(ctx))
	require.NoError(t, second.Err)
	assert.Same(t, first.Value, second.Value)
	assert.Equal(t, int64(1), cache.Builds())
	assert.Equal(t, int64(1), source.ruleCalls.Load())
}

func TestCacheRebuildsOnlyOnProgramChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	programs := newProgramHolder("program-a")
	cache := NewCache(&fakeSource{}, staticEvaluator{}, programs.watch, nil, nil)
	defer cache.Close()

	sub := cache.Observe(ctx)
	assert.Equal(t, "program-a", receive(t, sub).Value.Program())

	// Same program written again: no rebuild.
	programs.set("program-a")
	programs.set("program-a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), cache.Builds())

	programs.set("program-b")
	assert.Equal(t, "program-b", receive(t, sub).Value.Program())
	assert.Equal(t, int64(2), cache.Builds())

	late := receive(t, cache.Observe(ctx))
	assert.Equal(t, "program-b", late.Value.Program())
	assert.Equal(t, int64(2), cache.Builds())
}

func TestCacheFetchesRulesAndVariablesConcurrently(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	source := &fakeSource{barrier: &barrier}
	cache := NewCache(source, staticEvaluator{}, newProgramHolder("p").watch, nil, nil)
	defer cache.Close()

	ec, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p", ec.Program())
}

func TestCachePropagatesSourceFailureAndRestarts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("rules unavailable")
	source := &fakeSource{err: boom}
	cache := NewCache(source, staticEvaluator{}, newProgramHolder("p").watch, nil, nil)
	defer cache.Close()

	sub := cache.Observe(ctx)
	item := receive(t, sub)
	require.ErrorIs(t, item.Err, boom)
	assert.Nil(t, item.Value)
	_, open := <-sub
	assert.False(t, open)

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()

	item = receive(t, cache.Observe(ctx))
	require.NoError(t, item.Err)
	assert.Equal(t, "p", item.Value.Program())
	assert.Equal(t, int64(2), cache.Builds())
}

func TestCacheCloseEndsSubscriptions(t *testing.T) {
	cache := NewCache(&fakeSource{}, staticEvaluator{}, newProgramHolder("p").watch, nil, nil)
	sub := cache.Observe(context.Background())
	receive(t, sub)

	cache.Close()
	_, open := <-sub
	assert.False(t, open)

	_, open = <-cache.Observe(context.Background())
	assert.False(t, open)
}

func TestNewEvaluationContextRequiresEvaluator(t *testing.T) {
	_, err := NewEvaluationContext(nil, "p", nil, nil)
	assert.ErrorIs(t, err, ErrNoEvaluator)
}
