package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/shared"
)

type AlertWorker struct {
	*BaseWorker
	OnAlert func(shared.Event)
}

func NewAlertWorker(js nats.JetStreamContext) *AlertWorker {
	return &AlertWorker{
		BaseWorker: NewBaseWorker("AlertWorker", js, Binding{
			Stream:   shared.StreamAlerts,
			Consumer: shared.ConsumerAlertProcessor,
			Subject:  shared.SubjectSystemAlertsAll,
		}),
	}
}

func (w *AlertWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) error {
		var ev shared.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}

		log.Printf("[%s] %v alert for %s: %v (%v)", w.Name(), ev.Data["level"], ev.Source, ev.Data["message"], ev.Data["code"])
		if w.OnAlert != nil {
			w.OnAlert(ev)
		}
		return nil
	})
}
