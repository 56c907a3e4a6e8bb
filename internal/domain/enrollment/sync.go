package enrollment

import "context"

// PendingRecord is an enrollment or event row waiting for synchronization.
// Exactly one of Enrollment and Event is set, matching Table. Version is the
// row version the record was read at.
type PendingRecord struct {
	Table      string
	UID        string
	State      State
	Version    int64
	Enrollment *Enrollment
	Event      *VisitEvent
}

// SyncStore exposes the rows a sync process has to submit.
type SyncStore interface {
	// PendingRecords lists rows in TO_POST, TO_UPDATE or TO_DELETE, oldest first.
	PendingRecords(ctx context.Context, limit int) ([]PendingRecord, error)
	// MarkState records the outcome of a submission. The row is only
	// updated while it is still at version; otherwise ErrStale is returned
	// and the row stays pending.
	MarkState(ctx context.Context, table, uid string, version int64, state State) error
}
