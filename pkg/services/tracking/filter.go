package tracking

import (
	"time"

	"constellation-tracker/pkg/geo"
	"constellation-tracker/pkg/ontology"
)

const (
	DefaultMinTime     = 30 * time.Second
	DefaultMinDistance = 10.0 // meters
)

// Filter decides whether a reading differs enough from the last accepted one
// to be kept.
type Filter struct {
	MinTime     time.Duration
	MinDistance float64
}

// Accept rejects a candidate taken less than MinTime after lastAcceptedAt, or
// closer than MinDistance to lastAccepted. The first reading is always kept.
// Accept itself is not synchronized; callers serialize evaluation together
// with the update of the last accepted reading.
func (f Filter) Accept(candidate ontology.PositionReading, lastAccepted *ontology.PositionReading, lastAcceptedAt time.Time) bool {
	if !lastAcceptedAt.IsZero() && candidate.Timestamp.Sub(lastAcceptedAt) < f.MinTime {
		return false
	}
	if lastAccepted != nil {
		d := geo.DistanceMeters(lastAccepted.Latitude, lastAccepted.Longitude, candidate.Latitude, candidate.Longitude)
		if d < f.MinDistance {
			return false
		}
	}
	return true
}
