package tracking

import (
	"context"
	"time"

	"constellation-tracker/pkg/ontology"
)

// PermissionState is the answer of a location permission query.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Permissions queries and requests location permission.
type Permissions interface {
	Query(ctx context.Context) (PermissionState, error)
	Request(ctx context.Context) (PermissionState, error)
}

// StaticPermissions answers every query and request with a fixed state.
type StaticPermissions struct {
	State PermissionState
}

func (p StaticPermissions) Query(context.Context) (PermissionState, error) {
	return p.State, nil
}

func (p StaticPermissions) Request(context.Context) (PermissionState, error) {
	if p.State == PermissionPrompt {
		return PermissionGranted, nil
	}
	return p.State, nil
}

// Battery reports the remaining power as a fraction in [0, 1].
type Battery interface {
	Level() (level float64, known bool)
}

// StaticBattery reports a fixed level; the zero value is unobservable.
type StaticBattery struct {
	Value float64
	Known bool
}

func (b StaticBattery) Level() (float64, bool) {
	return b.Value, b.Known
}

// Notice is a user-visible message.
type Notice struct {
	OwnerID   string    `json:"owner_id"`
	Level     string    `json:"level"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier surfaces failures to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Renderer is the map surface readings are drawn on.
type Renderer interface {
	UpdateMarker(ctx context.Context, longitude, latitude float64) error
}

// EventPublisher forwards geofence transitions to remote consumers.
type EventPublisher interface {
	PublishGeofenceEvent(ctx context.Context, ev ontology.GeofenceEvent) error
}
