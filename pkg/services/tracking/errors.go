package tracking

import (
	"errors"

	"constellation-tracker/pkg/services/buffer"
	"constellation-tracker/pkg/services/positioning"
	"constellation-tracker/pkg/services/syncer"
)

var (
	// ErrUnsupported is returned by Start when no acquisition capability exists.
	ErrUnsupported = errors.New("position acquisition unsupported on this platform")
	// ErrStalled is reported once when watchdog restarts are exhausted.
	ErrStalled = errors.New("tracking stalled")
	// ErrNotTracking is returned by operations that need an active session.
	ErrNotTracking = errors.New("tracking is not active")

	ErrPermissionDenied    = positioning.ErrPermissionDenied
	ErrPositionUnavailable = positioning.ErrPositionUnavailable
	ErrTimeout             = positioning.ErrTimeout
	ErrRemoteWriteFailed   = syncer.ErrRemoteWriteFailed
	ErrBufferIOFailed      = buffer.ErrIO
)
