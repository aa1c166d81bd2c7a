package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/tracking"
	"constellation-tracker/pkg/shared"
)

// Notifier publishes user notices to the alert stream.
type Notifier struct {
	js nats.JetStreamContext
}

func NewNotifier(js nats.JetStreamContext) *Notifier {
	return &Notifier{js: js}
}

func (n *Notifier) Notify(ctx context.Context, notice tracking.Notice) error {
	ev := shared.Event{
		ID:      uuid.New().String(),
		Type:    shared.EventTypeAlert,
		Subject: shared.OwnerAlertSubject(notice.OwnerID),
		Data: map[string]interface{}{
			"level":   notice.Level,
			"code":    notice.Code,
			"message": notice.Message,
		},
		Timestamp: notice.Timestamp,
		Source:    notice.OwnerID,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	msg := nats.NewMsg(ev.Subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	if _, err := n.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

// Renderer drives the map surface of one owner over core NATS. Surface
// clients subscribe to the owner's render subjects.
type Renderer struct {
	nc      *nats.Conn
	ownerID string
}

func NewRenderer(nc *nats.Conn, ownerID string) *Renderer {
	return &Renderer{nc: nc, ownerID: ownerID}
}

func (r *Renderer) UpdateMarker(_ context.Context, longitude, latitude float64) error {
	return r.publish(shared.RenderMarkerSubject(r.ownerID), shared.EventTypeMarker, map[string]interface{}{
		"longitude": longitude,
		"latitude":  latitude,
	})
}

// ShowArea draws a geofence circle.
func (r *Renderer) ShowArea(_ context.Context, area ontology.GeofenceArea) error {
	return r.publish(shared.RenderAreaSubject(r.ownerID), shared.EventTypeAreaShown, map[string]interface{}{
		"id":        area.ID,
		"name":      area.Name,
		"longitude": area.Longitude,
		"latitude":  area.Latitude,
		"radius":    area.Radius,
	})
}

// RemoveArea erases a geofence circle.
func (r *Renderer) RemoveArea(_ context.Context, areaID string) error {
	return r.publish(shared.RenderAreaSubject(r.ownerID), shared.EventTypeAreaRemoved, map[string]interface{}{
		"id": areaID,
	})
}

func (r *Renderer) publish(subject, eventType string, payload map[string]interface{}) error {
	data, err := json.Marshal(shared.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Data:      payload,
		Timestamp: time.Now().UTC(),
		Source:    r.ownerID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}
