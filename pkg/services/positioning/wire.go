package positioning

import (
	"time"

	"constellation-tracker/pkg/ontology"
)

// WirePosition is the JSON position payload exchanged with devices and hosts.
type WirePosition struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
}

// WireOptions is the JSON form of Config.
type WireOptions struct {
	EnableHighAccuracy bool  `json:"enableHighAccuracy"`
	MaximumAge         int64 `json:"maximumAge"` // milliseconds
	Timeout            int64 `json:"timeout"`    // milliseconds
}

func optionsFromConfig(cfg Config) *WireOptions {
	return &WireOptions{
		EnableHighAccuracy: cfg.EnableHighAccuracy,
		MaximumAge:         cfg.MaxReadingAge.Milliseconds(),
		Timeout:            cfg.Timeout.Milliseconds(),
	}
}

// Reading converts the payload into a validated reading.
func (p WirePosition) Reading(ownerID string, source ontology.Source) (ontology.PositionReading, error) {
	ts := time.UnixMilli(p.Timestamp)
	if p.Timestamp <= 0 {
		ts = time.Now()
	}
	r := ontology.PositionReading{
		OwnerID:   ownerID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Altitude:  p.Altitude,
		Timestamp: ts,
		Source:    source,
	}
	if err := r.Validate(); err != nil {
		return ontology.PositionReading{}, err
	}
	return r, nil
}

// WirePositionFrom converts a reading into its payload form.
func WirePositionFrom(r ontology.PositionReading) WirePosition {
	return WirePosition{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Accuracy:  r.Accuracy,
		Speed:     r.Speed,
		Heading:   r.Heading,
		Altitude:  r.Altitude,
		Timestamp: r.Timestamp.UnixMilli(),
	}
}
