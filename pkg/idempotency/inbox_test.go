package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("enr-1", "created")
	assert.Equal(t, a, Key("enr-1", "created"))
	assert.NotEqual(t, a, Key("enr-1", "registered"))
	assert.NotEqual(t, Key("a|b", "c"), Key("a", "b|c|d"))
	assert.Len(t, a, 64)
}

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS inbox (
			idempotency_key TEXT PRIMARY KEY,
			handler_name TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ
		)`)
	require.NoError(t, err)
	return pool
}

func TestProcessRunsHandlerOnce(t *testing.T) {
	pool := openPool(t)
	inbox := NewInbox(pool, DefaultInboxConfig(), nil)
	key := Key(t.Name(), "created")
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM inbox WHERE idempotency_key = $1`, key) })

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"events":2}`), nil
	}

	first, err := inbox.Process(context.Background(), key, "generate", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(context.Background(), key, "generate", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"events":2}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessTerminalFailureIsNotRetried(t *testing.T) {
	pool := openPool(t)
	terminal := errors.New("unknown enrollment")
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, terminal) }
	inbox := NewInbox(pool, cfg, nil)
	key := Key(t.Name(), "registered")
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM inbox WHERE idempotency_key = $1`, key) })

	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, terminal }
	_, err := inbox.Process(context.Background(), key, "resolve", nil, fn)
	require.ErrorIs(t, err, terminal)

	_, err = inbox.Process(context.Background(), key, "resolve", nil, fn)
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}
