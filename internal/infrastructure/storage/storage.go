// Package storage opens the record store selected by configuration.
package storage

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/config"
	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
	"github.com/drfirst/go-enrollment/internal/infrastructure/postgres"
	"github.com/drfirst/go-enrollment/internal/infrastructure/sqlite"
	"github.com/drfirst/go-enrollment/internal/rules"
)

// Store is everything the services need from a record store
type Store interface {
	enrollment.RecordStore
	enrollment.SyncStore
	rules.Source
	Ping(ctx context.Context) error
	Close()
}

// Open opens the configured store. Postgres stores also forward change
// notifications from other processes until ctx is done.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return sqliteStore{s}, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		go follow(ctx, s, listenBackoff(), logger)
		return postgresStore{s}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// changeListener forwards change notifications from other processes
type changeListener interface {
	Listen(ctx context.Context, ready func()) error
	Resync()
}

func listenBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// follow keeps l listening until ctx is done, reconnecting with backoff.
// Every reconnect resyncs subscribers, since changes made while the
// listener was down were never forwarded.
func follow(ctx context.Context, l changeListener, b backoff.BackOff, logger *zap.Logger) {
	b.Reset()
	connected := false
	for {
		err := l.Listen(ctx, func() {
			b.Reset()
			if connected {
				l.Resync()
			}
			connected = true
		})
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			logger.Error("change listener gave up", zap.Error(err))
			return
		}
		logger.Warn("change listener stopped, reconnecting",
			zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Pool returns the Postgres pool behind s, if any
func Pool(s Store) (*pgxpool.Pool, bool) {
	if p, ok := s.(postgresStore); ok {
		return p.Store.Pool(), true
	}
	return nil, false
}

type sqliteStore struct{ *sqlite.Store }

func (s sqliteStore) Close() { _ = s.Store.Close() }

type postgresStore struct{ *postgres.Store }

func (s postgresStore) Ping(ctx context.Context) error { return s.Store.Pool().Ping(ctx) }
