// Package remote is the NATS JetStream backed remote store: readings are
// appended to a deduplicating stream and tracking status lives in a
// key-value bucket.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/shared"
)

type Store struct {
	js  nats.JetStreamContext
	kv  nats.KeyValue
	now func() time.Time
}

func NewStore(js nats.JetStreamContext, kv nats.KeyValue) *Store {
	return &Store{js: js, kv: kv, now: time.Now}
}

// ReadingMsgID is the deduplication id of a reading, so a resent reading is
// stored once.
func ReadingMsgID(r ontology.PositionReading) string {
	return fmt.Sprintf("%s-%d", r.OwnerID, r.BufferKey())
}

func (s *Store) InsertReading(ctx context.Context, r ontology.PositionReading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	msg := nats.NewMsg(shared.OwnerReadingSubject(r.OwnerID))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ReadingMsgID(r))

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

func (s *Store) UpsertTrackingStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := ontology.StatusRecord{OwnerID: ownerID, Status: status, UpdatedAt: s.now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if _, err := s.kv.Put(ownerID, data); err != nil {
		return fmt.Errorf("failed to put status for %s: %w", ownerID, err)
	}
	return nil
}

// TrackingStatus returns the stored status of an owner.
func (s *Store) TrackingStatus(ctx context.Context, ownerID string) (ontology.StatusRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ontology.StatusRecord{}, false, err
	}
	entry, err := s.kv.Get(ownerID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ontology.StatusRecord{}, false, nil
	}
	if err != nil {
		return ontology.StatusRecord{}, false, fmt.Errorf("failed to get status for %s: %w", ownerID, err)
	}

	var rec ontology.StatusRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return ontology.StatusRecord{}, false, fmt.Errorf("failed to decode status for %s: %w", ownerID, err)
	}
	return rec, true, nil
}

// PublishGeofenceEvent appends a transition to the geofence event stream.
func (s *Store) PublishGeofenceEvent(ctx context.Context, ev ontology.GeofenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal geofence event: %w", err)
	}

	msg := nats.NewMsg(shared.GeofenceEventSubject(ev.OwnerID, string(ev.Transition)))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish geofence event: %w", err)
	}
	return nil
}
