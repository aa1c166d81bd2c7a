package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/shared"
)

// ReadingWorker materializes the remote reading stream into reading_history
// so it can be queried.
type ReadingWorker struct {
	*BaseWorker
	db *sql.DB
}

func NewReadingWorker(js nats.JetStreamContext, db *sql.DB) *ReadingWorker {
	return &ReadingWorker{
		BaseWorker: NewBaseWorker("ReadingWorker", js, Binding{
			Stream:   shared.StreamReadings,
			Consumer: shared.ConsumerReadingProcessor,
			Subject:  shared.SubjectReadingsAll,
		}),
		db: db,
	}
}

func (w *ReadingWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(msg *nats.Msg) error {
		var r ontology.PositionReading
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return w.store(ctx, r)
	})
}

func (w *ReadingWorker) store(ctx context.Context, r ontology.PositionReading) error {
	res, err := w.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reading_history
		 (owner_id, ts_ms, latitude, longitude, accuracy, speed, heading, altitude, source, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, r.BufferKey(), r.Latitude, r.Longitude, r.Accuracy,
		r.Speed, r.Heading, r.Altitude, string(r.Source),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store reading: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[%s] Stored reading %s@%d (%.6f, %.6f)", w.Name(), r.OwnerID, r.BufferKey(), r.Latitude, r.Longitude)
	}
	return nil
}
