package tracking

import (
	"context"
	"log"
	"time"
)

const (
	DefaultWatchdogInterval = 10 * time.Second
	DefaultStallThreshold   = 10 * time.Second
	DefaultMaxRestarts      = 3
)

// Liveness is what the watchdog observes of an active session.
type Liveness struct {
	Active          bool
	Session         string
	LastActivity    time.Time
	RestartAttempts int
	StallReported   bool
}

// Supervised is the side of the engine the watchdog drives.
type Supervised interface {
	Liveness() Liveness
	// RestartSource restarts the source of session if it is still current
	// and fewer than max restarts were spent. It reports whether it did.
	RestartSource(ctx context.Context, session string, max int) bool
	ReportStall(ctx context.Context, session string)
}

// Action is the outcome of one watchdog check.
type Action int

const (
	ActionNone Action = iota
	ActionRestarted
	ActionStallReported
)

func (a Action) String() string {
	switch a {
	case ActionRestarted:
		return "restarted"
	case ActionStallReported:
		return "stall-reported"
	default:
		return "none"
	}
}

// Watchdog restarts a silent source a bounded number of times and then
// reports the stall once.
type Watchdog struct {
	Interval       time.Duration
	StallThreshold time.Duration
	MaxRestarts    int

	target Supervised
	now    func() time.Time
}

func NewWatchdog(target Supervised, interval, threshold time.Duration, maxRestarts int) *Watchdog {
	return &Watchdog{
		Interval:       interval,
		StallThreshold: threshold,
		MaxRestarts:    maxRestarts,
		target:         target,
		now:            time.Now,
	}
}

// Run checks every Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check performs a single supervision step.
func (w *Watchdog) Check(ctx context.Context) Action {
	l := w.target.Liveness()
	if !l.Active {
		return ActionNone
	}

	stale := w.now().Sub(l.LastActivity)
	if stale <= w.StallThreshold {
		return ActionNone
	}

	if l.RestartAttempts < w.MaxRestarts {
		if w.target.RestartSource(ctx, l.Session, w.MaxRestarts) {
			log.Printf("[Watchdog] no position for %s, restarted source (%d/%d)", stale.Round(time.Second), l.RestartAttempts+1, w.MaxRestarts)
			return ActionRestarted
		}
		return ActionNone
	}

	if !l.StallReported {
		w.target.ReportStall(ctx, l.Session)
		return ActionStallReported
	}
	return ActionNone
}
