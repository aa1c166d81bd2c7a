// Package positioning provides the position sources the tracking engine
// acquires readings from: a continuous foreground watch, a single-shot
// background acquisition and a host bridge that delegates acquisition to an
// embedding native shell.
package positioning

import (
	"context"
	"time"

	"constellation-tracker/pkg/ontology"
)

// Config controls a single acquisition session.
type Config struct {
	EnableHighAccuracy bool
	MaxReadingAge      time.Duration
	Timeout            time.Duration
}

// DefaultConfig returns a high accuracy, fresh-fix configuration with a 5s timeout.
func DefaultConfig() Config {
	return Config{
		EnableHighAccuracy: true,
		MaxReadingAge:      0,
		Timeout:            5 * time.Second,
	}
}

// Update is one element of a source stream: either a reading or an error.
type Update struct {
	Reading *ontology.PositionReading
	Err     *Error
}

// Source is a position acquisition capability.
type Source interface {
	Variant() ontology.Source
	// Available reports whether the platform offers this capability at all.
	Available() bool
	// Start begins a session. The returned channel is closed when the session
	// ends, either through Stop or through cancellation of ctx.
	Start(ctx context.Context, cfg Config) (<-chan Update, error)
	Stop() error
}

// Geolocator is the device capability behind the foreground and background
// sources.
type Geolocator interface {
	// Watch streams fixes until ctx is cancelled, then closes the channel.
	Watch(ctx context.Context, cfg Config) (<-chan Update, error)
	// Current performs a single acquisition.
	Current(ctx context.Context, cfg Config) (ontology.PositionReading, error)
}
