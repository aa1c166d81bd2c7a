package ontology

import (
	"fmt"
	"time"
)

type GeofenceArea struct {
	ID        string    `json:"id" db:"area_id" yaml:"id"`
	Name      string    `json:"name" db:"name" yaml:"name" validate:"required"`
	Latitude  float64   `json:"latitude" db:"latitude" yaml:"latitude" validate:"min=-90,max=90"`
	Longitude float64   `json:"longitude" db:"longitude" yaml:"longitude" validate:"min=-180,max=180"`
	Radius    float64   `json:"radius" db:"radius" yaml:"radius" validate:"gt=0"`
	CreatedAt time.Time `json:"created_at" db:"created_at" yaml:"-"`
}

func (a GeofenceArea) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("name: required")
	}
	if a.Latitude < -90 || a.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if a.Longitude < -180 || a.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	if a.Radius <= 0 {
		return fmt.Errorf("radius: must be positive")
	}
	return nil
}

type GeofenceTransition string

const (
	GeofenceEnter GeofenceTransition = "enter"
	GeofenceExit  GeofenceTransition = "exit"
)

// GeofenceEvent is emitted when an owner's containment in an area flips.
type GeofenceEvent struct {
	ID         string             `json:"id"`
	OwnerID    string             `json:"owner_id"`
	Transition GeofenceTransition `json:"transition"`
	Area       GeofenceArea       `json:"area"`
	Reading    PositionReading    `json:"reading"`
	Timestamp  time.Time          `json:"timestamp"`
}

type CreateGeofenceRequest struct {
	Name      string  `json:"name" validate:"required,min=1,max=255"`
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
	Radius    float64 `json:"radius" validate:"gt=0"`
}
