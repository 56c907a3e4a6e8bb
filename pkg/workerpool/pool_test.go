package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatchRetriesAndReportsInOrder(t *testing.T) {
	var calls atomic.Int64
	pool, err := New(Config{Workers: 2, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(_ context.Context, task *Task) error {
			calls.Add(1)
			if task.ID == "bad" {
				return errors.New("broker unavailable")
			}
			return nil
		}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	results := pool.RunBatch(context.Background(), []*Task{{ID: "a"}, {ID: "bad"}, {ID: "b"}})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Error(t, results[1].Err)
	assert.Equal(t, 3, results[1].Attempts)
	assert.Equal(t, "b", results[2].TaskID)
	assert.Equal(t, int64(5), calls.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.TasksSubmitted)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Equal(t, int64(2), stats.TasksRetried)
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(context.Context, *Task) error { return nil }, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop())

	_, err = pool.Submit(context.Background(), &Task{ID: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := New(Config{Workers: 1, MaxRetries: 5, RetryDelay: time.Hour},
		func(context.Context, *Task) error {
			cancel()
			return errors.New("fail")
		}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	results := pool.RunBatch(ctx, []*Task{{ID: "x"}})
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Equal(t, 1, results[0].Attempts)
}
