package ontology

import "time"

// TrackingStatus is the per-owner status record upserted to the remote store.
type TrackingStatus string

const (
	TrackingActive  TrackingStatus = "active"
	TrackingStopped TrackingStatus = "stopped"
)

// StatusRecord is the remote representation of a TrackingStatus.
type StatusRecord struct {
	OwnerID   string         `json:"owner_id"`
	Status    TrackingStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Phase is the in-process lifecycle phase of the tracking engine.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseActive  Phase = "active"
	PhaseStopped Phase = "stopped"
)

// TrackingState is the process-local tracking state. It is not persisted.
type TrackingState struct {
	Phase           Phase            `json:"phase"`
	LastAccepted    *PositionReading `json:"last_accepted,omitempty"`
	LastAcceptedAt  time.Time        `json:"last_accepted_at,omitempty"`
	RestartAttempts int              `json:"restart_attempts"`
	Variant         Source           `json:"variant,omitempty"`
	ActiveSince     time.Time        `json:"active_since,omitempty"`
	Stalled         bool             `json:"stalled"`
}
