package workers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	embeddednats "constellation-tracker/pkg/services/embedded-nats"
)

// Manager runs the remote-side consumers of the tracker streams and the
// status bucket watcher.
type Manager struct {
	workers []Worker
	wg      sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc

	Readings  *ReadingWorker
	Geofences *GeofenceWorker
	Alerts    *AlertWorker
	Status    *StatusWorker
}

// NewManager declares the durable consumers the workers bind to.
func NewManager(natsClient *embeddednats.EmbeddedNATS, db *sql.DB, kv nats.KeyValue) (*Manager, error) {
	js := natsClient.JetStream()
	if js == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}
	if kv == nil {
		return nil, fmt.Errorf("status bucket not initialized")
	}

	m := &Manager{
		Readings:  NewReadingWorker(js, db),
		Geofences: NewGeofenceWorker(js),
		Alerts:    NewAlertWorker(js),
		Status:    NewStatusWorker(kv),
	}

	for _, bw := range []*BaseWorker{m.Readings.BaseWorker, m.Geofences.BaseWorker, m.Alerts.BaseWorker} {
		b := bw.Binding()
		if err := natsClient.CreateDurableConsumer(b.Stream, b.Consumer, b.Subject); err != nil {
			return nil, err
		}
	}

	m.workers = []Worker{m.Readings, m.Geofences, m.Alerts, m.Status}
	return m, nil
}

// Start launches every worker under ctx. Stop or cancelling ctx ends them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("workers already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Workers] %s exited: %v", w.Name(), err)
			}
		}(worker)
	}

	log.Printf("[Workers] Started %d workers", len(m.workers))
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var errs []error
	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", worker.Name(), err))
		}
	}
	m.wg.Wait()

	log.Println("[Workers] All workers stopped")
	return errors.Join(errs...)
}
