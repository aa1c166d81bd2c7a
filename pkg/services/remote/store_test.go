package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constellation-tracker/pkg/ontology"
	embeddednats "constellation-tracker/pkg/services/embedded-nats"
	"constellation-tracker/pkg/services/tracking"
	"constellation-tracker/pkg/shared"
)

func startNATS(t *testing.T) *embeddednats.EmbeddedNATS {
	t.Helper()

	cfg := embeddednats.DefaultConfig()
	cfg.Port = -1
	cfg.DataDir = t.TempDir()

	en, err := embeddednats.New(cfg)
	require.NoError(t, err)
	require.NoError(t, en.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = en.Shutdown(ctx)
	})
	require.NoError(t, en.CreateTrackerStreams())
	return en
}

func newTestStore(t *testing.T) (*Store, *embeddednats.EmbeddedNATS) {
	t.Helper()
	en := startNATS(t)
	kv, err := en.CreateStatusBucket()
	require.NoError(t, err)
	return NewStore(en.JetStream(), kv), en
}

func sample(ts int64) ontology.PositionReading {
	return ontology.PositionReading{
		OwnerID:   "owner-1",
		Latitude:  -6.2,
		Longitude: 106.8,
		Accuracy:  5,
		Timestamp: time.UnixMilli(ts).UTC(),
		Source:    ontology.SourceForeground,
	}
}

func TestInsertReadingDeduplicates(t *testing.T) {
	store, en := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertReading(ctx, sample(1715003456000)))
	require.NoError(t, store.InsertReading(ctx, sample(1715003456000)))
	require.NoError(t, store.InsertReading(ctx, sample(1715003486000)))

	info, err := en.JetStream().StreamInfo(shared.StreamReadings)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	msg, err := en.JetStream().GetLastMsg(shared.StreamReadings, shared.OwnerReadingSubject("owner-1"))
	require.NoError(t, err)
	var got ontology.PositionReading
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, int64(1715003486000), got.BufferKey())
	assert.Equal(t, "owner-1-1715003486000", msg.Header.Get(nats.MsgIdHdr))
}

func TestTrackingStatusUpsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.TrackingStatus(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UpsertTrackingStatus(ctx, "owner-1", ontology.TrackingActive))
	require.NoError(t, store.UpsertTrackingStatus(ctx, "owner-1", ontology.TrackingStopped))

	rec, ok, err := store.TrackingStatus(ctx, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ontology.TrackingStopped, rec.Status)
	assert.Equal(t, "owner-1", rec.OwnerID)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestPublishGeofenceEvent(t *testing.T) {
	store, en := newTestStore(t)

	ev := ontology.GeofenceEvent{
		ID:         "ev-1",
		OwnerID:    "owner-1",
		Transition: ontology.GeofenceEnter,
		Area:       ontology.GeofenceArea{ID: "a1", Name: "Office", Latitude: -6.2, Longitude: 106.8, Radius: 100},
		Reading:    sample(1715003456000),
		Timestamp:  time.UnixMilli(1715003456000).UTC(),
	}
	require.NoError(t, store.PublishGeofenceEvent(context.Background(), ev))

	msg, err := en.JetStream().GetLastMsg(shared.StreamGeofenceEvents, shared.GeofenceEventSubject("owner-1", "enter"))
	require.NoError(t, err)
	var got ontology.GeofenceEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "Office", got.Area.Name)
}

func TestNotifierPublishesAlert(t *testing.T) {
	en := startNATS(t)
	n := NewNotifier(en.JetStream())

	require.NoError(t, n.Notify(context.Background(), tracking.Notice{
		OwnerID:   "owner-1",
		Level:     shared.AlertWarning,
		Code:      "TRACKING_STALLED",
		Message:   "tracking stalled",
		Timestamp: time.Now().UTC(),
	}))

	msg, err := en.JetStream().GetLastMsg(shared.StreamAlerts, shared.OwnerAlertSubject("owner-1"))
	require.NoError(t, err)
	var ev shared.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, shared.EventTypeAlert, ev.Type)
	assert.Equal(t, "TRACKING_STALLED", ev.Data["code"])
}

func TestRendererPublishesMarker(t *testing.T) {
	en := startNATS(t)
	r := NewRenderer(en.Connection(), "owner-1")

	sub, err := en.Connection().SubscribeSync(shared.RenderMarkerSubject("owner-1"))
	require.NoError(t, err)
	require.NoError(t, en.Connection().Flush())

	require.NoError(t, r.UpdateMarker(context.Background(), 106.8, -6.2))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev shared.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, shared.EventTypeMarker, ev.Type)
	assert.Equal(t, 106.8, ev.Data["longitude"])
	assert.Equal(t, -6.2, ev.Data["latitude"])
}
