package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/buffer"
	"constellation-tracker/pkg/services/geofence"
	"constellation-tracker/pkg/services/positioning"
)

// fakeSource hands out one unbuffered channel per session. Sending on a
// session channel returns only once the engine has taken the previous
// update, so a trailing flush waits for the pipeline to finish.
type fakeSource struct {
	mu        sync.Mutex
	sessions  []chan positioning.Update
	configs   []positioning.Config
	stops     int
	available bool
	startErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{available: true}
}

func (s *fakeSource) Variant() ontology.Source { return ontology.SourceForeground }
func (s *fakeSource) Available() bool          { return s.available }

func (s *fakeSource) Start(_ context.Context, cfg positioning.Config) (<-chan positioning.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan positioning.Update)
	s.sessions = append(s.sessions, ch)
	s.configs = append(s.configs, cfg)
	return ch, nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSource) session(i int) chan positioning.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[i]
}

func (s *fakeSource) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// push delivers a reading on the latest session and waits until it was handled.
func (s *fakeSource) push(r ontology.PositionReading) {
	s.pushTo(s.starts()-1, positioning.Update{Reading: &r})
}

func (s *fakeSource) pushTo(i int, u positioning.Update) {
	ch := s.session(i)
	ch <- u
	ch <- positioning.Update{}
}

type oneShotSource struct {
	updates []positioning.Update
}

func (s *oneShotSource) Variant() ontology.Source { return ontology.SourceBackground }
func (s *oneShotSource) Available() bool          { return true }
func (s *oneShotSource) Stop() error              { return nil }

func (s *oneShotSource) Start(context.Context, positioning.Config) (<-chan positioning.Update, error) {
	ch := make(chan positioning.Update, len(s.updates))
	for _, u := range s.updates {
		ch <- u
	}
	close(ch)
	return ch, nil
}

type memBuffer struct {
	mu       sync.Mutex
	readings []ontology.PositionReading
	err      error
}

func (b *memBuffer) Append(_ context.Context, r ontology.PositionReading) (ontology.BufferedReading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return ontology.BufferedReading{}, b.err
	}
	b.readings = append(b.readings, r)
	return ontology.BufferedReading{PositionReading: r, Key: r.BufferKey()}, nil
}

func (b *memBuffer) stored() []ontology.PositionReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ontology.PositionReading(nil), b.readings...)
}

type fakeSyncer struct {
	mu       sync.Mutex
	kicks    int
	statuses []ontology.TrackingStatus
	pushErr  error
}

func (s *fakeSyncer) Kick(context.Context, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicks++
}

func (s *fakeSyncer) PushStatus(_ context.Context, _ string, status ontology.TrackingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return s.pushErr
}

func (s *fakeSyncer) snapshot() (int, []ontology.TrackingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicks, append([]ontology.TrackingStatus(nil), s.statuses...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *fakeNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *fakeNotifier) codes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, notice := range n.notices {
		out = append(out, notice.Code)
	}
	return out
}

type fakeRenderer struct {
	mu      sync.Mutex
	markers [][2]float64
}

func (r *fakeRenderer) UpdateMarker(_ context.Context, lon, lat float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, [2]float64{lon, lat})
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine   *Engine
	source   *fakeSource
	buffer   *memBuffer
	syncer   *fakeSyncer
	notifier *fakeNotifier
	renderer *fakeRenderer
	clock    *clock

	mu     sync.Mutex
	errs   []error
	events []ontology.GeofenceEvent
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()

	h := &harness{
		source:   newFakeSource(),
		buffer:   &memBuffer{},
		syncer:   &fakeSyncer{},
		notifier: &fakeNotifier{},
		renderer: &fakeRenderer{},
		clock:    &clock{t: time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)},
	}
	deps := Deps{
		OwnerID:     "owner-1",
		Source:      h.source,
		Buffer:      h.buffer,
		Syncer:      h.syncer,
		Geofences:   geofence.NewEvaluator(),
		Permissions: StaticPermissions{State: PermissionGranted},
		Notifier:    h.notifier,
		Renderer:    h.renderer,
	}
	if mutate != nil {
		mutate(&deps)
	}

	cfg := DefaultConfig()
	cfg.WatchdogInterval = time.Hour

	e, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	e.now = h.clock.now
	e.watchdog.now = h.clock.now
	e.OnError(func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, err)
	})
	e.OnGeofenceEvent(func(ev ontology.GeofenceEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	h.engine = e

	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return h
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) geofenceEvents() []ontology.GeofenceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ontology.GeofenceEvent(nil), h.events...)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(nil, Deps{Buffer: &memBuffer{}, Syncer: &fakeSyncer{}})
	assert.Error(t, err)

	_, err = NewEngine(nil, Deps{OwnerID: "o"})
	assert.Error(t, err)
}

func TestEngineStartStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, ontology.PhaseIdle, h.engine.State().Phase)
	require.NoError(t, h.engine.Start(ctx))
	assert.True(t, h.engine.IsTracking())

	// second start is a no-op
	require.NoError(t, h.engine.Start(ctx))
	assert.Equal(t, 1, h.source.starts())

	h.source.push(at(-6.2, 106.8, h.clock.now()))

	require.NoError(t, h.engine.Stop(ctx))
	assert.False(t, h.engine.IsTracking())
	assert.Equal(t, ontology.PhaseStopped, h.engine.State().Phase)

	last, ok := h.engine.LastReading()
	require.True(t, ok)
	assert.Equal(t, -6.2, last.Latitude)

	// stopping twice is a no-op
	require.NoError(t, h.engine.Stop(ctx))

	_, statuses := h.syncer.snapshot()
	assert.Equal(t, []ontology.TrackingStatus{ontology.TrackingActive, ontology.TrackingStopped}, statuses)
}

func TestEngineAcceptedReadingPipeline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	t0 := h.clock.now()
	h.source.push(at(-6.2, 106.8, t0))
	h.source.push(at(-6.201, 106.8, t0.Add(5*time.Second)))    // too soon
	h.source.push(at(-6.20001, 106.8, t0.Add(40*time.Second))) // too close
	h.source.push(at(-6.201, 106.8, t0.Add(40*time.Second)))

	stored := h.buffer.stored()
	require.Len(t, stored, 2)
	assert.Equal(t, t0, stored[0].Timestamp)
	assert.Equal(t, t0.Add(40*time.Second), stored[1].Timestamp)

	kicks, _ := h.syncer.snapshot()
	assert.Equal(t, 2, kicks)

	h.renderer.mu.Lock()
	assert.Equal(t, [][2]float64{{106.8, -6.2}, {106.8, -6.201}}, h.renderer.markers)
	h.renderer.mu.Unlock()

	st := h.engine.State()
	require.NotNil(t, st.LastAccepted)
	assert.Equal(t, -6.201, st.LastAccepted.Latitude)
	assert.Equal(t, t0.Add(40*time.Second), st.LastAcceptedAt)
}

func TestEngineDropsReadingsFromStoppedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Start(ctx))
	require.Equal(t, 2, h.source.starts())

	late := at(-6.2, 106.8, h.clock.now())
	h.source.pushTo(0, positioning.Update{Reading: &late})
	assert.Empty(t, h.buffer.stored())

	h.source.push(at(-6.3, 106.8, h.clock.now()))
	stored := h.buffer.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, -6.3, stored[0].Latitude)
}

func TestEngineStartFailures(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.available = false

		err := h.engine.Start(context.Background())
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.False(t, h.engine.IsTracking())
		assert.Equal(t, []string{"UNSUPPORTED"}, h.notifier.codes())
	})

	t.Run("no source", func(t *testing.T) {
		h := newHarness(t, func(d *Deps) { d.Source = nil })
		assert.ErrorIs(t, h.engine.Start(context.Background()), ErrUnsupported)
	})

	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t, func(d *Deps) { d.Permissions = StaticPermissions{State: PermissionDenied} })

		err := h.engine.Start(context.Background())
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.False(t, h.engine.IsTracking())
		assert.Zero(t, h.source.starts())
		assert.Equal(t, []string{"PERMISSION_DENIED"}, h.notifier.codes())
		require.Len(t, h.errors(), 1)
	})

	t.Run("permission prompt is granted", func(t *testing.T) {
		h := newHarness(t, func(d *Deps) { d.Permissions = StaticPermissions{State: PermissionPrompt} })
		require.NoError(t, h.engine.Start(context.Background()))
		assert.True(t, h.engine.IsTracking())
	})

	t.Run("source refuses to start", func(t *testing.T) {
		h := newHarness(t, nil)
		h.source.startErr = errors.New("watch refused")

		assert.Error(t, h.engine.Start(context.Background()))
		assert.False(t, h.engine.IsTracking())
		_, statuses := h.syncer.snapshot()
		assert.Empty(t, statuses)
	})
}

func TestEngineStatusPushFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.syncer.pushErr = fmt.Errorf("%w: offline", ErrRemoteWriteFailed)

	require.NoError(t, h.engine.Start(context.Background()))
	assert.True(t, h.engine.IsTracking())

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRemoteWriteFailed)
	assert.Empty(t, h.notifier.codes())
}

func TestEngineBatteryPolicy(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Battery = StaticBattery{Value: 0.15, Known: true} })
	require.NoError(t, h.engine.Start(context.Background()))

	h.source.mu.Lock()
	cfg := h.source.configs[0]
	h.source.mu.Unlock()
	assert.False(t, cfg.EnableHighAccuracy)
	assert.Equal(t, positioning.LowPowerMaxReadingAge, cfg.MaxReadingAge)
}

func TestEnginePermissionRevokedStopsTracking(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	h.source.pushTo(0, positioning.Update{Err: positioning.NewError(positioning.CodePermissionDenied, "revoked")})

	require.Eventually(t, func() bool { return !h.engine.IsTracking() }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.notifier.codes(), "PERMISSION_DENIED")
	require.NotEmpty(t, h.errors())
	assert.ErrorIs(t, h.errors()[0], ErrPermissionDenied)
}

func TestEngineTransientErrorsAreSilent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	h.source.pushTo(0, positioning.Update{Err: positioning.NewError(positioning.CodeTimeout, "slow fix")})
	h.source.pushTo(0, positioning.Update{Err: positioning.NewError(positioning.CodePositionUnavailable, "no signal")})

	assert.True(t, h.engine.IsTracking())
	assert.Empty(t, h.errors())
	assert.Empty(t, h.notifier.codes())
	assert.ErrorIs(t, h.engine.LastError(), ErrPositionUnavailable)
}

func TestEngineBufferFailureLosesReading(t *testing.T) {
	h := newHarness(t, nil)
	h.buffer.err = fmt.Errorf("%w: disk full", buffer.ErrIO)
	require.NoError(t, h.engine.Start(context.Background()))

	h.source.push(at(-6.2, 106.8, h.clock.now()))

	kicks, _ := h.syncer.snapshot()
	assert.Zero(t, kicks)
	errs := h.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBufferIOFailed)
	assert.Equal(t, []string{"BUFFER_IO_FAILED"}, h.notifier.codes())
	assert.True(t, h.engine.IsTracking())
}

func TestEngineGeofenceEvents(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Geofences().Add(ontology.GeofenceArea{Name: "Office", Latitude: -6.2, Longitude: 106.8, Radius: 100})
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(context.Background()))

	t0 := h.clock.now()
	h.source.push(at(-6.2, 106.8, t0))
	h.source.push(at(-6.2005, 106.8, t0.Add(time.Minute))) // still inside, about 55m
	h.source.push(at(-6.21, 106.8, t0.Add(2*time.Minute)))

	events := h.geofenceEvents()
	require.Len(t, events, 2)
	assert.Equal(t, ontology.GeofenceEnter, events[0].Transition)
	assert.Equal(t, ontology.GeofenceExit, events[1].Transition)
	assert.Equal(t, "Office", events[1].Area.Name)
}

func TestEngineWatchdogRestartsThenStalls(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	// a reading resets the staleness clock
	h.clock.advance(8 * time.Second)
	h.source.push(at(-6.2, 106.8, h.clock.now()))
	h.clock.advance(8 * time.Second)
	assert.Equal(t, ActionNone, h.engine.watchdog.Check(ctx))

	for i := 1; i <= DefaultMaxRestarts; i++ {
		h.clock.advance(DefaultStallThreshold + time.Second)
		require.Equal(t, ActionRestarted, h.engine.watchdog.Check(ctx))
		assert.Equal(t, i, h.engine.State().RestartAttempts)
	}
	assert.Equal(t, 1+DefaultMaxRestarts, h.source.starts())

	h.clock.advance(DefaultStallThreshold + time.Second)
	assert.Equal(t, ActionStallReported, h.engine.watchdog.Check(ctx))
	h.clock.advance(DefaultStallThreshold + time.Second)
	assert.Equal(t, ActionNone, h.engine.watchdog.Check(ctx))

	assert.Equal(t, 1+DefaultMaxRestarts, h.source.starts())
	assert.Equal(t, []string{"TRACKING_STALLED"}, h.notifier.codes())
	assert.True(t, h.engine.State().Stalled)
	assert.True(t, h.engine.IsTracking())

	// an explicit restart resets the budget
	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Start(ctx))
	assert.Zero(t, h.engine.State().RestartAttempts)
	assert.False(t, h.engine.State().Stalled)
}

func TestEngineSurfaceLost(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.engine.SurfaceLost(context.Background()))
	assert.False(t, h.engine.IsTracking())
}

func TestEngineRunBackground(t *testing.T) {
	ctx := context.Background()

	t.Run("requires active tracking", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.engine.RunBackground(ctx)
		assert.ErrorIs(t, err, ErrNotTracking)
	})

	t.Run("offers the single reading to the filter", func(t *testing.T) {
		var bg oneShotSource
		h := newHarness(t, func(d *Deps) { d.Background = &bg })
		r := at(-6.2, 106.8, h.clock.now())
		r.Source = ontology.SourceBackground
		bg.updates = []positioning.Update{{Reading: &r}}

		require.NoError(t, h.engine.Start(ctx))
		accepted, err := h.engine.RunBackground(ctx)
		require.NoError(t, err)
		assert.True(t, accepted)
		require.Len(t, h.buffer.stored(), 1)
		assert.Equal(t, ontology.SourceBackground, h.buffer.stored()[0].Source)

		// same spot again is filtered out
		accepted, err = h.engine.RunBackground(ctx)
		require.NoError(t, err)
		assert.False(t, accepted)
	})

	t.Run("reports acquisition errors", func(t *testing.T) {
		bg := &oneShotSource{updates: []positioning.Update{{Err: positioning.NewError(positioning.CodeTimeout, "timeout")}}}
		h := newHarness(t, func(d *Deps) { d.Background = bg })
		require.NoError(t, h.engine.Start(ctx))

		_, err := h.engine.RunBackground(ctx)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, h.engine.IsTracking())
	})
}

// blockingBuffer holds Append until released or until its context ends.
type blockingBuffer struct {
	memBuffer
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBuffer) Append(ctx context.Context, r ontology.PositionReading) (ontology.BufferedReading, error) {
	b.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return ontology.BufferedReading{}, fmt.Errorf("%w: %v", buffer.ErrIO, ctx.Err())
	case <-b.release:
	}
	return b.memBuffer.Append(ctx, r)
}

func TestEngineStopDuringAppendKeepsReading(t *testing.T) {
	buf := &blockingBuffer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, func(d *Deps) { d.Buffer = buf })
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r := at(-6.2, 106.8, h.clock.now())
	go func() { h.source.session(0) <- positioning.Update{Reading: &r} }()
	<-buf.entered

	require.NoError(t, h.engine.Stop(ctx))
	close(buf.release)

	require.Eventually(t, func() bool { return len(buf.stored()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.errors())
	assert.NotContains(t, h.notifier.codes(), "BUFFER_IO_FAILED")
}

func TestEngineConcurrentCandidatesAcceptedOnce(t *testing.T) {
	r := at(-6.2, 106.8, time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC))
	r.Source = ontology.SourceBackground
	bg := &oneShotSource{updates: []positioning.Update{{Reading: &r}}}
	h := newHarness(t, func(d *Deps) { d.Background = bg })
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	h.engine.mu.Lock()
	token := h.engine.session
	h.engine.mu.Unlock()

	const n = 16
	var wg sync.WaitGroup
	results := make(chan bool, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			results <- h.engine.offer(ctx, r, token)
		}()
		go func() {
			defer wg.Done()
			accepted, err := h.engine.RunBackground(ctx)
			assert.NoError(t, err)
			results <- accepted
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, h.buffer.stored(), 1)
}

// gatedSource hands out a single-shot channel the test fills later.
type gatedSource struct {
	started chan chan positioning.Update
}

func (s *gatedSource) Variant() ontology.Source { return ontology.SourceBackground }
func (s *gatedSource) Available() bool          { return true }
func (s *gatedSource) Stop() error              { return nil }

func (s *gatedSource) Start(context.Context, positioning.Config) (<-chan positioning.Update, error) {
	ch := make(chan positioning.Update, 1)
	s.started <- ch
	return ch, nil
}

func TestEngineBackgroundReadingFromEarlierSessionIsInert(t *testing.T) {
	bg := &gatedSource{started: make(chan chan positioning.Update, 1)}
	h := newHarness(t, func(d *Deps) { d.Background = bg })
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	type outcome struct {
		accepted bool
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		accepted, err := h.engine.RunBackground(ctx)
		done <- outcome{accepted, err}
	}()
	ch := <-bg.started

	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Start(ctx))

	r := at(-6.2, 106.8, h.clock.now())
	ch <- positioning.Update{Reading: &r}
	close(ch)

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.accepted)
	assert.Empty(t, h.buffer.stored())
}
