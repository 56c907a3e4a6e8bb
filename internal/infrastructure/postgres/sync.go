package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

// relayLockID is the advisory lock held by the active sync relay.
const relayLockID int64 = 123456789

var pendingStates = []string{
	string(enrollment.StateToPost),
	string(enrollment.StateToUpdate),
	string(enrollment.StateToDelete),
}

// PendingRecords lists enrollments, then events, waiting for synchronization.
func (s *Store) PendingRecords(ctx context.Context, limit int) ([]enrollment.PendingRecord, error) {
	ctx, span := s.startSpan(ctx, "pending_records", attribute.Int("limit", limit))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT uid, version FROM enrollment
		WHERE state = ANY($1)
		ORDER BY last_updated, uid
		LIMIT $2`, pendingStates, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query pending enrollments: %w", err)
	}
	pending, err := pgx.CollectRows(rows, pgx.RowToStructByPos[pendingEnrollment])
	if err != nil {
		return nil, fmt.Errorf("scan pending enrollments: %w", err)
	}

	records := make([]enrollment.PendingRecord, 0, len(pending))
	for _, p := range pending {
		// The version is read first, so the row loaded below is at least as
		// new as it and a concurrent edit can only make MarkState stale.
		e, err := s.Enrollment(ctx, p.UID)
		if err != nil {
			return nil, err
		}
		records = append(records, enrollment.PendingRecord{
			Table:      enrollment.TableEnrollment,
			UID:        e.UID,
			State:      e.State,
			Version:    p.Version,
			Enrollment: &e,
		})
	}

	if remaining := limit - len(records); remaining > 0 {
		rows, err := s.pool.Query(ctx, `
			SELECT `+eventFields+`, version
			FROM event
			WHERE state = ANY($1)
			ORDER BY id
			LIMIT $2`, pendingStates, remaining)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("query pending events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var version int64
			e, err := scanEvent(rows, &version)
			if err != nil {
				return nil, err
			}
			records = append(records, enrollment.PendingRecord{
				Table:   enrollment.TableEvent,
				UID:     e.UID,
				State:   e.State,
				Version: version,
				Event:   &e,
			})
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

type pendingEnrollment struct {
	UID     string
	Version int64
}

// MarkState sets the synchronization state of one enrollment or event row
// that is still at version.
func (s *Store) MarkState(ctx context.Context, table, uid string, version int64, state enrollment.State) error {
	var name string
	switch table {
	case enrollment.TableEnrollment:
		name = "enrollment"
	case enrollment.TableEvent:
		name = "event"
	default:
		return fmt.Errorf("mark state: unsupported table %q", table)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+name+` SET state = $1 WHERE uid = $2 AND version = $3`, string(state), uid, version)
	if err != nil {
		return fmt.Errorf("%w: mark %s %s %s: %v", enrollment.ErrPersistence, table, uid, state, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+name+` WHERE uid = $1)`, uid).Scan(&exists); err != nil {
			return fmt.Errorf("check %s %s: %w", table, uid, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s %s", enrollment.ErrNotFound, table, uid)
		}
		return fmt.Errorf("%w: %s %s at version %d", enrollment.ErrStale, table, uid, version)
	}
	s.changed(ctx, table)
	return nil
}

// WithRelayLock runs fn while holding the relay advisory lock. It reports
// false without calling fn when another relay holds the lock.
func (s *Store) WithRelayLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	// Session-level advisory locks belong to one connection, so lock and
	// unlock must run on the same one.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try relay lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			s.logger.Warn("relay unlock failed", zap.Error(err))
		}
	}()

	return true, fn(ctx)
}

// SyncStats counts rows by synchronization outcome
type SyncStats struct {
	PendingEnrollments int64      `json:"pending_enrollments"`
	PendingEvents      int64      `json:"pending_events"`
	FailedEnrollments  int64      `json:"failed_enrollments"`
	FailedEvents       int64      `json:"failed_events"`
	OldestPending      *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current synchronization statistics
func (s *Store) Stats(ctx context.Context) (*SyncStats, error) {
	stats := &SyncStats{}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE state = ANY($1)),
		       COUNT(*) FILTER (WHERE state = $2),
		       MIN(last_updated) FILTER (WHERE state = ANY($1))
		FROM enrollment`, pendingStates, string(enrollment.StateError)).
		Scan(&stats.PendingEnrollments, &stats.FailedEnrollments, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE state = ANY($1)),
		       COUNT(*) FILTER (WHERE state = $2)
		FROM event`, pendingStates, string(enrollment.StateError)).
		Scan(&stats.PendingEvents, &stats.FailedEvents)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	return stats, nil
}
