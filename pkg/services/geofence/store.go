package geofence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"constellation-tracker/pkg/ontology"
)

// Store persists geofence areas so they survive a restart.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Save(ctx context.Context, a ontology.GeofenceArea) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO geofences (area_id, name, latitude, longitude, radius, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(area_id) DO UPDATE SET
		   name = excluded.name, latitude = excluded.latitude,
		   longitude = excluded.longitude, radius = excluded.radius`,
		a.ID, a.Name, a.Latitude, a.Longitude, a.Radius, a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save geofence: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE area_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete geofence: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]ontology.GeofenceArea, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT area_id, name, latitude, longitude, radius, created_at FROM geofences ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var areas []ontology.GeofenceArea
	for rows.Next() {
		var a ontology.GeofenceArea
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.Latitude, &a.Longitude, &a.Radius, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan geofence: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		areas = append(areas, a)
	}
	return areas, rows.Err()
}
