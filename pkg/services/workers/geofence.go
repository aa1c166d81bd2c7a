package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/shared"
)

// GeofenceWorker consumes geofence transitions and hands them to OnEvent.
type GeofenceWorker struct {
	*BaseWorker
	OnEvent func(ontology.GeofenceEvent)
}

func NewGeofenceWorker(js nats.JetStreamContext) *GeofenceWorker {
	return &GeofenceWorker{
		BaseWorker: NewBaseWorker("GeofenceWorker", js, Binding{
			Stream:   shared.StreamGeofenceEvents,
			Consumer: shared.ConsumerGeofenceProcessor,
			Subject:  shared.SubjectGeofenceAll,
		}),
	}
}

func (w *GeofenceWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) error {
		var ev ontology.GeofenceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}

		log.Printf("[%s] %s %s %q at (%.6f, %.6f)", w.Name(), ev.OwnerID, ev.Transition, ev.Area.Name, ev.Reading.Latitude, ev.Reading.Longitude)
		if w.OnEvent != nil {
			w.OnEvent(ev)
		}
		return nil
	})
}
