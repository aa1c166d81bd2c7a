package shared

import (
	"time"
)

// Response is the envelope of every HTTP reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a message published to alert and render subjects.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

const (
	EventTypeAlert       = "alert"
	EventTypeMarker      = "marker"
	EventTypeAreaShown   = "area_shown"
	EventTypeAreaRemoved = "area_removed"

	AlertWarning  = "warning"
	AlertCritical = "critical"
)
