package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("kafka")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, to State) {
		assert.Equal(t, "kafka", name)
		transitions = append(transitions, to)
	}

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("broker down")
	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	err = cb.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls, "open breaker must not call through")
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig("kafka")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	err = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStateGauge(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Gauge())
	assert.Equal(t, 1.0, StateOpen.Gauge())
	assert.Equal(t, 2.0, StateHalfOpen.Gauge())
}
