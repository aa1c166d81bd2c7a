package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"constellation-tracker/pkg/ontology"
)

// SetPendingStatus records a status that still has to reach the remote
// store. A later status for the same owner replaces an earlier one.
func (s *Store) SetPendingStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_outbox (owner_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		ownerID, string(status), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record pending status: %v", ErrIO, err)
	}
	return nil
}

// PendingStatus returns the status awaiting delivery for the owner, if any.
func (s *Store) PendingStatus(ctx context.Context, ownerID string) (ontology.StatusRecord, bool, error) {
	var rec ontology.StatusRecord
	var status, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, status, updated_at FROM status_outbox WHERE owner_id = ?`, ownerID,
	).Scan(&rec.OwnerID, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ontology.StatusRecord{}, false, nil
	}
	if err != nil {
		return ontology.StatusRecord{}, false, fmt.Errorf("%w: failed to read pending status: %v", ErrIO, err)
	}
	rec.Status = ontology.TrackingStatus(status)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, true, nil
}

// ClearPendingStatus removes the outbox entry if it still holds the delivered
// record, so a newer status recorded meanwhile is kept.
func (s *Store) ClearPendingStatus(ctx context.Context, rec ontology.StatusRecord) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM status_outbox WHERE owner_id = ? AND status = ? AND updated_at = ?`,
		rec.OwnerID, string(rec.Status), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to clear pending status: %v", ErrIO, err)
	}
	return nil
}
