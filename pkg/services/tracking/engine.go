// Package tracking orchestrates position acquisition, significance
// filtering, geofencing, buffering and sync into one tracking lifecycle.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/geofence"
	"constellation-tracker/pkg/services/positioning"
	"constellation-tracker/pkg/shared"
)

// Buffer is the durable store accepted readings are appended to.
type Buffer interface {
	Append(ctx context.Context, r ontology.PositionReading) (ontology.BufferedReading, error)
}

// Syncer delivers buffered readings and tracking status to the remote store.
type Syncer interface {
	Kick(ctx context.Context, ownerID string)
	PushStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error
}

// Config holds the engine thresholds.
type Config struct {
	MinTime          time.Duration
	MinDistance      float64
	AcquireTimeout   time.Duration
	WatchdogInterval time.Duration
	StallThreshold   time.Duration
	MaxRestarts      int
}

// DefaultConfig returns the default engine thresholds.
func DefaultConfig() *Config {
	return &Config{
		MinTime:          DefaultMinTime,
		MinDistance:      DefaultMinDistance,
		AcquireTimeout:   5 * time.Second,
		WatchdogInterval: DefaultWatchdogInterval,
		StallThreshold:   DefaultStallThreshold,
		MaxRestarts:      DefaultMaxRestarts,
	}
}

// Deps are the collaborators of the engine. OwnerID, Source, Buffer and
// Syncer are required; the rest degrade gracefully when nil.
type Deps struct {
	OwnerID     string
	Source      positioning.Source
	Background  positioning.Source
	Buffer      Buffer
	Syncer      Syncer
	Geofences   *geofence.Evaluator
	Permissions Permissions
	Battery     Battery
	Notifier    Notifier
	Renderer    Renderer
	Events      EventPublisher
}

// Engine is the tracking state machine: Idle -> Active -> Stopped, with
// Stopped -> Active on a new Start.
type Engine struct {
	cfg      Config
	deps     Deps
	filter   Filter
	watchdog *Watchdog
	now      func() time.Time

	// lifecycle serializes Start, Stop and watchdog restarts
	lifecycle sync.Mutex

	// mu guards everything below; filter evaluation happens under it
	mu            sync.Mutex
	state         ontology.TrackingState
	session       string
	sessionCancel context.CancelFunc
	runCtx        context.Context
	runCancel     context.CancelFunc
	lastSeen      time.Time
	lastRestart   time.Time
	stallReported bool
	lastError     error

	listenerMu     sync.Mutex
	fenceListeners []func(ontology.GeofenceEvent)
	errListeners   []func(error)
}

func NewEngine(cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if deps.Buffer == nil || deps.Syncer == nil {
		return nil, fmt.Errorf("buffer and syncer are required")
	}
	if deps.Geofences == nil {
		deps.Geofences = geofence.NewEvaluator()
	}

	e := &Engine{
		cfg:    *cfg,
		deps:   deps,
		filter: Filter{MinTime: cfg.MinTime, MinDistance: cfg.MinDistance},
		now:    time.Now,
		state:  ontology.TrackingState{Phase: ontology.PhaseIdle},
	}
	e.watchdog = NewWatchdog(e, cfg.WatchdogInterval, cfg.StallThreshold, cfg.MaxRestarts)
	return e, nil
}

// OnGeofenceEvent registers a listener for enter and exit transitions.
func (e *Engine) OnGeofenceEvent(fn func(ontology.GeofenceEvent)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.fenceListeners = append(e.fenceListeners, fn)
}

// OnError registers a listener for errors that are not silently recovered.
func (e *Engine) OnError(fn func(error)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.errListeners = append(e.errListeners, fn)
}

func (e *Engine) IsTracking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Phase == ontology.PhaseActive
}

// State returns a snapshot of the tracking state.
func (e *Engine) State() ontology.TrackingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	if st.LastAccepted != nil {
		r := *st.LastAccepted
		st.LastAccepted = &r
	}
	return st
}

// LastReading returns the most recent accepted reading, for marker placement.
func (e *Engine) LastReading() (ontology.PositionReading, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.LastAccepted == nil {
		return ontology.PositionReading{}, false
	}
	return *e.state.LastAccepted, true
}

// LastError returns the most recent acquisition error of the active session.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// Geofences exposes the evaluator the engine feeds.
func (e *Engine) Geofences() *geofence.Evaluator {
	return e.deps.Geofences
}

// Start begins tracking. Starting an active engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.IsTracking() {
		return nil
	}

	src := e.deps.Source
	if src == nil || !src.Available() {
		e.fail(ctx, "UNSUPPORTED", ErrUnsupported, true)
		return ErrUnsupported
	}

	if err := e.confirmPermission(ctx); err != nil {
		e.fail(ctx, "PERMISSION_DENIED", err, true)
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	now := e.now()

	e.mu.Lock()
	prev := e.state.Phase
	e.state.Phase = ontology.PhaseActive
	e.state.RestartAttempts = 0
	e.state.Stalled = false
	e.state.ActiveSince = now
	e.state.Variant = src.Variant()
	e.stallReported = false
	e.lastError = nil
	e.lastSeen = time.Time{}
	e.lastRestart = time.Time{}
	e.runCtx, e.runCancel = runCtx, runCancel
	e.mu.Unlock()

	if err := e.startSource(runCtx); err != nil {
		runCancel()
		e.mu.Lock()
		e.state.Phase = prev
		e.runCtx, e.runCancel = nil, nil
		e.mu.Unlock()
		return fmt.Errorf("failed to start %s source: %w", src.Variant(), err)
	}

	if err := e.deps.Syncer.PushStatus(ctx, e.deps.OwnerID, ontology.TrackingActive); err != nil {
		log.Printf("[Engine] tracking status not delivered, kept for retry: %v", err)
		e.emitError(err)
	}

	go e.watchdog.Run(runCtx)

	log.Printf("[Engine] tracking started for %s using %s source", e.deps.OwnerID, src.Variant())
	return nil
}

func (e *Engine) confirmPermission(ctx context.Context) error {
	if e.deps.Permissions == nil {
		// the source reports a denial itself
		return nil
	}
	state, err := e.deps.Permissions.Query(ctx)
	if err != nil {
		return fmt.Errorf("failed to query permission: %w", err)
	}
	if state == PermissionPrompt {
		if state, err = e.deps.Permissions.Request(ctx); err != nil {
			return fmt.Errorf("failed to request permission: %w", err)
		}
	}
	if state != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

// Stop ends tracking. Stopping an engine that is not active is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state.Phase != ontology.PhaseActive {
		e.mu.Unlock()
		return nil
	}
	e.state.Phase = ontology.PhaseStopped
	e.state.RestartAttempts = 0
	e.state.Stalled = false
	e.state.ActiveSince = time.Time{}
	runCancel := e.runCancel
	e.runCtx, e.runCancel = nil, nil
	e.mu.Unlock()

	e.stopSource()
	if runCancel != nil {
		runCancel()
	}

	log.Printf("[Engine] tracking stopped for %s", e.deps.OwnerID)

	if err := e.deps.Syncer.PushStatus(ctx, e.deps.OwnerID, ontology.TrackingStopped); err != nil {
		log.Printf("[Engine] tracking status not delivered, kept for retry: %v", err)
		e.emitError(err)
	}
	return nil
}

// SurfaceLost stops tracking because the surface readings are drawn on went away.
func (e *Engine) SurfaceLost(ctx context.Context) error {
	if !e.IsTracking() {
		return nil
	}
	log.Printf("[Engine] rendering surface unavailable, stopping tracking for %s", e.deps.OwnerID)
	return e.Stop(ctx)
}

// Close stops tracking and releases the sources.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Stop(ctx)
	for _, src := range []positioning.Source{e.deps.Source, e.deps.Background} {
		if c, ok := src.(interface{ Close() error }); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

// startSource opens a new session on the primary source. Updates from any
// earlier session are dropped from here on.
func (e *Engine) startSource(runCtx context.Context) error {
	sessCtx, sessCancel := context.WithCancel(runCtx)
	token := uuid.New().String()

	e.mu.Lock()
	e.session = token
	e.sessionCancel = sessCancel
	e.mu.Unlock()

	ch, err := e.deps.Source.Start(sessCtx, e.acquisitionConfig())
	if err != nil {
		sessCancel()
		e.mu.Lock()
		if e.session == token {
			e.session, e.sessionCancel = "", nil
		}
		e.mu.Unlock()
		return err
	}

	go func() {
		for u := range ch {
			e.handle(sessCtx, token, u)
		}
	}()
	return nil
}

func (e *Engine) stopSource() {
	e.mu.Lock()
	cancel := e.sessionCancel
	e.session, e.sessionCancel = "", nil
	e.mu.Unlock()

	if err := e.deps.Source.Stop(); err != nil {
		log.Printf("[Engine] failed to stop %s source: %v", e.deps.Source.Variant(), err)
	}
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) acquisitionConfig() positioning.Config {
	cfg := positioning.DefaultConfig()
	cfg.Timeout = e.cfg.AcquireTimeout

	level, known := 0.0, false
	if e.deps.Battery != nil {
		level, known = e.deps.Battery.Level()
	}
	return cfg.WithSampling(positioning.ChooseSampling(level, known))
}

func (e *Engine) handle(ctx context.Context, token string, u positioning.Update) {
	if u.Err != nil {
		e.handleSourceError(token, u.Err)
		return
	}
	if u.Reading != nil {
		e.offer(ctx, *u.Reading, token)
	}
}

// offer runs the significance filter and, on acceptance, the downstream
// pipeline. The reading is bound to the session named by token; readings of
// any other session are inert.
func (e *Engine) offer(ctx context.Context, r ontology.PositionReading, token string) bool {
	if err := r.Validate(); err != nil {
		log.Printf("[Engine] dropping invalid reading: %v", err)
		return false
	}

	e.mu.Lock()
	if e.state.Phase != ontology.PhaseActive || (token != "" && token != e.session) {
		e.mu.Unlock()
		return false
	}
	e.lastSeen = e.now()
	e.state.Stalled = false
	accepted := e.filter.Accept(r, e.state.LastAccepted, e.state.LastAcceptedAt)
	if accepted {
		kept := r
		e.state.LastAccepted = &kept
		e.state.LastAcceptedAt = r.Timestamp
	}
	e.mu.Unlock()

	if accepted {
		// an accepted reading is buffered even if its session stops meanwhile
		e.deliver(context.WithoutCancel(ctx), r)
	}
	return accepted
}

// deliver feeds an accepted reading to the geofences, the map, the buffer
// and the syncer, in that order.
func (e *Engine) deliver(ctx context.Context, r ontology.PositionReading) {
	for _, ev := range e.deps.Geofences.Evaluate(r) {
		e.emitGeofence(ctx, ev)
	}

	if e.deps.Renderer != nil {
		if err := e.deps.Renderer.UpdateMarker(ctx, r.Longitude, r.Latitude); err != nil {
			log.Printf("[Engine] failed to update marker: %v", err)
		}
	}

	if _, err := e.deps.Buffer.Append(ctx, r); err != nil {
		log.Printf("[Engine] reading at %s lost: %v", r.Timestamp.UTC().Format(time.RFC3339), err)
		e.fail(ctx, "BUFFER_IO_FAILED", err, true)
		return
	}

	e.deps.Syncer.Kick(ctx, r.OwnerID)
}

func (e *Engine) handleSourceError(token string, perr *positioning.Error) {
	e.mu.Lock()
	if e.state.Phase != ontology.PhaseActive || token != e.session {
		e.mu.Unlock()
		return
	}
	e.lastError = perr
	e.mu.Unlock()

	if errors.Is(perr, ErrPermissionDenied) {
		log.Printf("[Engine] permission revoked for %s: %v", e.deps.OwnerID, perr)
		e.fail(context.Background(), "PERMISSION_DENIED", perr, true)
		// stop waits for the source, whose stream this goroutine is draining
		go func() { _ = e.Stop(context.Background()) }()
		return
	}

	// transient; the watchdog restarts the source if readings stay away
	log.Printf("[Engine] acquisition error on %s source: %v", e.deps.Source.Variant(), perr)
}

// RunBackground performs one background acquisition while tracking is
// active. It is invoked by the platform's periodic task scheduler.
func (e *Engine) RunBackground(ctx context.Context) (bool, error) {
	e.mu.Lock()
	token := e.session
	tracking := e.state.Phase == ontology.PhaseActive && token != ""
	e.mu.Unlock()
	if !tracking {
		return false, ErrNotTracking
	}
	bg := e.deps.Background
	if bg == nil || !bg.Available() {
		return false, ErrUnsupported
	}

	ch, err := bg.Start(ctx, e.acquisitionConfig())
	if err != nil {
		return false, fmt.Errorf("failed to start background acquisition: %w", err)
	}

	accepted := false
	for u := range ch {
		if u.Err != nil {
			if errors.Is(u.Err, ErrPermissionDenied) {
				e.fail(ctx, "PERMISSION_DENIED", u.Err, true)
			}
			return false, u.Err
		}
		if u.Reading != nil && e.offer(ctx, *u.Reading, token) {
			accepted = true
		}
	}
	return accepted, nil
}

// Liveness implements Supervised.
func (e *Engine) Liveness() Liveness {
	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.state.ActiveSince
	for _, t := range []time.Time{e.lastSeen, e.lastRestart} {
		if t.After(last) {
			last = t
		}
	}
	return Liveness{
		Active:          e.state.Phase == ontology.PhaseActive,
		Session:         e.session,
		LastActivity:    last,
		RestartAttempts: e.state.RestartAttempts,
		StallReported:   e.stallReported,
	}
}

// RestartSource implements Supervised.
func (e *Engine) RestartSource(ctx context.Context, session string, max int) bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state.Phase != ontology.PhaseActive || e.session != session || e.state.RestartAttempts >= max {
		e.mu.Unlock()
		return false
	}
	e.state.RestartAttempts++
	e.lastRestart = e.now()
	runCtx := e.runCtx
	e.mu.Unlock()

	e.stopSource()
	if err := e.startSource(runCtx); err != nil {
		log.Printf("[Engine] restart of %s source failed: %v", e.deps.Source.Variant(), err)
	}
	return true
}

// ReportStall implements Supervised.
func (e *Engine) ReportStall(ctx context.Context, session string) {
	e.mu.Lock()
	if e.state.Phase != ontology.PhaseActive || e.session != session || e.stallReported {
		e.mu.Unlock()
		return
	}
	e.stallReported = true
	e.state.Stalled = true
	cause := e.lastError
	e.mu.Unlock()

	err := ErrStalled
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrStalled, cause)
	}
	log.Printf("[Engine] %v after %d restarts", err, e.cfg.MaxRestarts)
	e.fail(ctx, "TRACKING_STALLED", err, true)
}

// fail reports err to error listeners and, if notify is set, to the user.
func (e *Engine) fail(ctx context.Context, code string, err error, notify bool) {
	e.emitError(err)
	if !notify || e.deps.Notifier == nil {
		return
	}
	level := shared.AlertWarning
	if errors.Is(err, ErrBufferIOFailed) || errors.Is(err, ErrPermissionDenied) {
		level = shared.AlertCritical
	}
	n := Notice{
		OwnerID:   e.deps.OwnerID,
		Level:     level,
		Code:      code,
		Message:   err.Error(),
		Timestamp: e.now().UTC(),
	}
	if nerr := e.deps.Notifier.Notify(ctx, n); nerr != nil {
		log.Printf("[Engine] failed to notify %s: %v", code, nerr)
	}
}

func (e *Engine) emitError(err error) {
	e.listenerMu.Lock()
	listeners := append([]func(error){}, e.errListeners...)
	e.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

func (e *Engine) emitGeofence(ctx context.Context, ev ontology.GeofenceEvent) {
	log.Printf("[Engine] %s %s geofence %q", ev.OwnerID, ev.Transition, ev.Area.Name)

	if e.deps.Events != nil {
		if err := e.deps.Events.PublishGeofenceEvent(ctx, ev); err != nil {
			log.Printf("[Engine] failed to publish geofence event: %v", err)
		}
	}

	e.listenerMu.Lock()
	listeners := append([]func(ontology.GeofenceEvent){}, e.fenceListeners...)
	e.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
