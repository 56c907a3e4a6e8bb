package sqlite

import (
	"context"
	"fmt"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

var pendingStates = []any{
	string(enrollment.StateToPost),
	string(enrollment.StateToUpdate),
	string(enrollment.StateToDelete),
}

// PendingRecords lists enrollments, then events, waiting for synchronization.
// Enrollments come first so the server knows them before their events.
func (s *Store) PendingRecords(ctx context.Context, limit int) ([]enrollment.PendingRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	pending, err := s.pendingEnrollments(ctx, limit)
	if err != nil {
		return nil, err
	}
	records := make([]enrollment.PendingRecord, 0, len(pending))
	for _, p := range pending {
		// The version is read first, so the row loaded below is at least as
		// new as it and a concurrent edit can only make MarkState stale.
		e, err := s.Enrollment(ctx, p.uid)
		if err != nil {
			return nil, err
		}
		records = append(records, enrollment.PendingRecord{
			Table:      enrollment.TableEnrollment,
			UID:        e.UID,
			State:      e.State,
			Version:    p.version,
			Enrollment: &e,
		})
	}

	if remaining := limit - len(records); remaining > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+eventFields+`, version
			FROM Event
			WHERE state IN (?, ?, ?)
			ORDER BY id
			LIMIT ?`, append(pendingStates, remaining)...)
		if err != nil {
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
	return records, nil
}

type pendingEnrollment struct {
	uid     string
	version int64
}

func (s *Store) pendingEnrollments(ctx context.Context, limit int) ([]pendingEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, version FROM Enrollment
		WHERE state IN (?, ?, ?)
		ORDER BY lastUpdated, uid
		LIMIT ?`, append(pendingStates, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query pending enrollments: %w", err)
	}
	defer rows.Close()

	var pending []pendingEnrollment
	for rows.Next() {
		var p pendingEnrollment
		if err := rows.Scan(&p.uid, &p.version); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkState sets the synchronization state of one enrollment or event row
// that is still at version.
func (s *Store) MarkState(ctx context.Context, table, uid string, version int64, state enrollment.State) error {
	var name string
	switch table {
	case enrollment.TableEnrollment:
		name = "Enrollment"
	case enrollment.TableEvent:
		name = "Event"
	default:
		return fmt.Errorf("mark state: unsupported table %q", table)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+name+` SET state = ? WHERE uid = ? AND version = ?`, string(state), uid, version)
	if err != nil {
		return fmt.Errorf("%w: mark %s %s %s: %v", enrollment.ErrPersistence, table, uid, state, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+name+` WHERE uid = ?`, uid).Scan(&exists)
		switch {
		case err != nil:
			return fmt.Errorf("check %s %s: %w", table, uid, err)
		case exists == 0:
			return fmt.Errorf("%w: %s %s", enrollment.ErrNotFound, table, uid)
		}
		return fmt.Errorf("%w: %s %s at version %d", enrollment.ErrStale, table, uid, version)
	}
	s.changed(table)
	return nil
}
