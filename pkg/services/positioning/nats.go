package positioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/shared"
)

// NATSBridgeTransport exchanges bridge traffic with the native host over
// core NATS subjects scoped to the owner.
type NATSBridgeTransport struct {
	nc      *nats.Conn
	ownerID string
}

func NewNATSBridgeTransport(nc *nats.Conn, ownerID string) *NATSBridgeTransport {
	return &NATSBridgeTransport{nc: nc, ownerID: ownerID}
}

func (t *NATSBridgeTransport) Post(ctx context.Context, req BridgeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge request: %w", err)
	}
	if err := t.nc.Publish(shared.BridgeRequestsSubject(t.ownerID), data); err != nil {
		return fmt.Errorf("failed to publish bridge request: %w", err)
	}
	return nil
}

func (t *NATSBridgeTransport) Listen(handler func(BridgeMessage)) (func() error, error) {
	sub, err := t.nc.Subscribe(shared.BridgeMessagesSubject(t.ownerID), func(m *nats.Msg) {
		var msg BridgeMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[Bridge] invalid host message: %v", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to bridge messages: %w", err)
	}
	return sub.Unsubscribe, nil
}

// deviceReply is the payload a device answers a current-position request with.
type deviceReply struct {
	Position *WirePosition `json:"position,omitempty"`
	Error    *Error        `json:"error,omitempty"`
}

// NATSGeolocator reads fixes published by the tracked device.
type NATSGeolocator struct {
	nc      *nats.Conn
	ownerID string
}

func NewNATSGeolocator(nc *nats.Conn, ownerID string) *NATSGeolocator {
	return &NATSGeolocator{nc: nc, ownerID: ownerID}
}

func (g *NATSGeolocator) Watch(ctx context.Context, cfg Config) (<-chan Update, error) {
	sub, err := g.nc.SubscribeSync(shared.DevicePositionSubject(g.ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to device positions: %w", err)
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			m, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Geolocator] watch for %s ended: %v", g.ownerID, err)
				}
				return
			}
			var p WirePosition
			if err := json.Unmarshal(m.Data, &p); err != nil {
				log.Printf("[Geolocator] invalid device position: %v", err)
				continue
			}
			r, err := p.Reading(g.ownerID, ontology.SourceForeground)
			if err != nil {
				log.Printf("[Geolocator] rejected device position: %v", err)
				continue
			}
			select {
			case out <- Update{Reading: &r}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (g *NATSGeolocator) Current(ctx context.Context, cfg Config) (ontology.PositionReading, error) {
	data, err := json.Marshal(optionsFromConfig(cfg))
	if err != nil {
		return ontology.PositionReading{}, fmt.Errorf("failed to marshal options: %w", err)
	}

	m, err := g.nc.RequestWithContext(ctx, shared.DeviceCurrentSubject(g.ownerID), data)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return ontology.PositionReading{}, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return ontology.PositionReading{}, context.DeadlineExceeded
	case errors.Is(err, nats.ErrNoResponders):
		return ontology.PositionReading{}, NewError(CodePositionUnavailable, "no device responded")
	default:
		return ontology.PositionReading{}, NewError(CodePositionUnavailable, err.Error())
	}

	var reply deviceReply
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		return ontology.PositionReading{}, NewError(CodePositionUnavailable, "malformed device reply")
	}
	if reply.Error != nil {
		return ontology.PositionReading{}, reply.Error
	}
	if reply.Position == nil {
		return ontology.PositionReading{}, NewError(CodePositionUnavailable, "empty device reply")
	}
	r, err := reply.Position.Reading(g.ownerID, ontology.SourceBackground)
	if err != nil {
		return ontology.PositionReading{}, NewError(CodePositionUnavailable, err.Error())
	}
	return r, nil
}
