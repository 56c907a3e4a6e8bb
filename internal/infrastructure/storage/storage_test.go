package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-enrollment/internal/config"
	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "enrollment.db")}

	s, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	_, err = s.Enrollment(ctx, "missing")
	assert.ErrorIs(t, err, enrollment.ErrNotFound)

	_, ok := Pool(s)
	assert.False(t, ok)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.Config{StoreDriver: "mysql"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown store driver")
}

// flakyListener fails its first connections, then listens until ctx is done.
type flakyListener struct {
	mu      sync.Mutex
	calls   int
	resyncs int
	// plan says, per call, whether the connection comes up before failing.
	plan []bool
}

func (l *flakyListener) Listen(ctx context.Context, ready func()) error {
	l.mu.Lock()
	call := l.calls
	l.calls++
	l.mu.Unlock()

	if call < len(l.plan) {
		if l.plan[call] {
			ready()
		}
		return errors.New("connection reset by peer")
	}
	ready()
	<-ctx.Done()
	return nil
}

func (l *flakyListener) Resync() {
	l.mu.Lock()
	l.resyncs++
	l.mu.Unlock()
}

func (l *flakyListener) counts() (calls, resyncs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.resyncs
}

func TestFollowReconnectsAndResyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &flakyListener{plan: []bool{true, false}}

	done := make(chan struct{})
	go func() {
		follow(ctx, l, &backoff.ZeroBackOff{}, zaptest.NewLogger(t))
		close(done)
	}()

	require.Eventually(t, func() bool {
		calls, _ := l.counts()
		return calls == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}

	// The first connection needs no resync; the one after the drop does.
	calls, resyncs := l.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, resyncs)
}

func TestFollowStopsWhenBackoffGivesUp(t *testing.T) {
	l := &flakyListener{plan: []bool{false, false, false}}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)

	follow(context.Background(), l, b, zaptest.NewLogger(t))

	calls, resyncs := l.counts()
	assert.Equal(t, 2, calls)
	assert.Zero(t, resyncs)
}
