package ontology

import (
	"fmt"
	"time"
)

// Source identifies which acquisition context produced a reading.
type Source string

const (
	SourceForeground Source = "foreground"
	SourceBackground Source = "background"
	SourceHostBridge Source = "host-bridge"
)

// PositionReading is a single position sample. It is never mutated after creation.
type PositionReading struct {
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Accuracy  float64   `json:"accuracy" db:"accuracy"`
	Speed     *float64  `json:"speed,omitempty" db:"speed"`
	Heading   *float64  `json:"heading,omitempty" db:"heading"`
	Altitude  *float64  `json:"altitude,omitempty" db:"altitude"`
	Timestamp time.Time `json:"timestamp" db:"ts_ms"`
	Source    Source    `json:"source" db:"source"`
}

// BufferKey returns the buffer key of the reading: its timestamp at millisecond resolution.
func (r PositionReading) BufferKey() int64 {
	return r.Timestamp.UnixMilli()
}

// Validate checks the coordinate and accuracy invariants.
func (r PositionReading) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id: required")
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	if r.Accuracy < 0 {
		return fmt.Errorf("accuracy: must not be negative")
	}
	if r.Heading != nil && (*r.Heading < 0 || *r.Heading > 360) {
		return fmt.Errorf("heading: must be between 0 and 360")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp: required")
	}
	return nil
}

// BufferedReading is a reading held in the durable offline buffer.
type BufferedReading struct {
	PositionReading
	Key      int64     `json:"key" db:"ts_ms"`
	Synced   bool      `json:"synced" db:"synced"`
	StoredAt time.Time `json:"stored_at" db:"stored_at"`
}
