// Package buffer is the durable offline buffer of accepted readings awaiting
// delivery to the remote store.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"constellation-tracker/db"
	"constellation-tracker/pkg/ontology"
)

// ErrIO marks a local storage failure. A reading whose append fails with
// ErrIO is lost.
var ErrIO = errors.New("buffer storage failure")

// Store is the SQLite-backed offline buffer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(database *sql.DB) *Store {
	return &Store{db: database, now: time.Now}
}

const readingColumns = `owner_id, ts_ms, latitude, longitude, accuracy, speed, heading, altitude, source, synced, stored_at`

// Append stores an accepted reading. Appending a key that already exists for
// the owner is a no-op and returns the stored row.
func (s *Store) Append(ctx context.Context, r ontology.PositionReading) (ontology.BufferedReading, error) {
	if err := r.Validate(); err != nil {
		return ontology.BufferedReading{}, fmt.Errorf("invalid reading: %w", err)
	}

	storedAt := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buffered_readings (`+readingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		r.OwnerID, r.BufferKey(), r.Latitude, r.Longitude, r.Accuracy,
		nullFloat(r.Speed), nullFloat(r.Heading), nullFloat(r.Altitude),
		string(r.Source), storedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ontology.BufferedReading{}, fmt.Errorf("%w: failed to append reading: %v", ErrIO, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM buffered_readings WHERE owner_id = ? AND ts_ms = ?`,
		r.OwnerID, r.BufferKey(),
	)
	br, err := scanReading(row)
	if err != nil {
		return ontology.BufferedReading{}, fmt.Errorf("%w: failed to read back appended reading: %v", ErrIO, err)
	}
	return *br, nil
}

// Pending returns the owner's unsynced readings, oldest first.
func (s *Store) Pending(ctx context.Context, ownerID string) ([]ontology.BufferedReading, error) {
	return s.query(ctx,
		`SELECT `+readingColumns+` FROM buffered_readings
		 WHERE owner_id = ? AND synced = 0 ORDER BY ts_ms ASC`,
		ownerID,
	)
}

// History returns up to limit of the owner's most recent readings, synced or not.
func (s *Store) History(ctx context.Context, ownerID string, limit int) ([]ontology.BufferedReading, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT `+readingColumns+` FROM buffered_readings
		 WHERE owner_id = ? ORDER BY ts_ms DESC LIMIT ?`,
		ownerID, limit,
	)
}

// MarkSynced flags the given keys as delivered in one transaction. Each key
// carries its own flag, so re-applying after a failure is safe.
func (s *Store) MarkSynced(ctx context.Context, ownerID string, keys []int64) error {
	if len(keys) == 0 {
		return nil
	}
	err := db.Transaction(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE buffered_readings SET synced = 1 WHERE owner_id = ? AND ts_ms = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, ownerID, key); err != nil {
				return fmt.Errorf("key %d: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to mark synced: %v", ErrIO, err)
	}
	return nil
}

// Compact deletes the owner's synced readings and reports how many were removed.
func (s *Store) Compact(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buffered_readings WHERE owner_id = ? AND synced = 1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to compact buffer: %v", ErrIO, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]ontology.BufferedReading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query buffer: %v", ErrIO, err)
	}
	defer func() { _ = rows.Close() }()

	var readings []ontology.BufferedReading
	for rows.Next() {
		br, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		readings = append(readings, *br)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return readings, nil
}

func scanReading(scanner interface{ Scan(...interface{}) error }) (*ontology.BufferedReading, error) {
	var br ontology.BufferedReading
	var source, storedAt string
	var synced int
	var speed, heading, altitude sql.NullFloat64

	err := scanner.Scan(
		&br.OwnerID, &br.Key, &br.Latitude, &br.Longitude, &br.Accuracy,
		&speed, &heading, &altitude, &source, &synced, &storedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}

	br.Timestamp = time.UnixMilli(br.Key)
	br.Source = ontology.Source(source)
	br.Synced = synced == 1
	br.Speed = floatPtr(speed)
	br.Heading = floatPtr(heading)
	br.Altitude = floatPtr(altitude)
	br.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)

	return &br, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
