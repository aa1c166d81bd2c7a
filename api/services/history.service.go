package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"constellation-tracker/pkg/ontology"
)

// HistoryService reads the readings materialized from the remote store.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// ListReadings returns up to limit readings of an owner taken at or after
// since, newest first.
func (s *HistoryService) ListReadings(ctx context.Context, ownerID string, since time.Time, limit int) ([]ontology.PositionReading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, ts_ms, latitude, longitude, accuracy, speed, heading, altitude, source
		 FROM reading_history
		 WHERE owner_id = ? AND ts_ms >= ?
		 ORDER BY ts_ms DESC LIMIT ?`,
		ownerID, since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []ontology.PositionReading{}
	for rows.Next() {
		var r ontology.PositionReading
		var ts int64
		var source string
		if err := rows.Scan(&r.OwnerID, &ts, &r.Latitude, &r.Longitude, &r.Accuracy, &r.Speed, &r.Heading, &r.Altitude, &source); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		r.Source = ontology.Source(source)
		readings = append(readings, r)
	}

	return readings, rows.Err()
}
