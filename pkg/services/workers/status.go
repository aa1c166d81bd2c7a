package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/ontology"
)

// StatusWorker watches the tracking status bucket and keeps the latest
// record per owner.
type StatusWorker struct {
	kv      nats.KeyValue
	watcher nats.KeyWatcher

	mu     sync.RWMutex
	latest map[string]ontology.StatusRecord
}

func NewStatusWorker(kv nats.KeyValue) *StatusWorker {
	return &StatusWorker{kv: kv, latest: make(map[string]ontology.StatusRecord)}
}

func (w *StatusWorker) Name() string {
	return "StatusWorker"
}

func (w *StatusWorker) Start(ctx context.Context) error {
	watcher, err := w.kv.WatchAll(nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to watch status bucket: %w", err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	log.Printf("[%s] Watching bucket: %s", w.Name(), w.kv.Bucket())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Worker stopping", w.Name())
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				// initial values delivered
				continue
			}
			w.apply(entry)
		}
	}
}

func (w *StatusWorker) apply(entry nats.KeyValueEntry) {
	if entry.Operation() != nats.KeyValuePut {
		w.mu.Lock()
		delete(w.latest, entry.Key())
		w.mu.Unlock()
		return
	}

	var rec ontology.StatusRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		log.Printf("[%s] Ignoring malformed status for %s: %v", w.Name(), entry.Key(), err)
		return
	}

	w.mu.Lock()
	prev, seen := w.latest[entry.Key()]
	w.latest[entry.Key()] = rec
	w.mu.Unlock()

	if !seen || prev.Status != rec.Status {
		log.Printf("[%s] %s is now %s", w.Name(), rec.OwnerID, rec.Status)
	}
}

// Status returns the last status seen for an owner.
func (w *StatusWorker) Status(ownerID string) (ontology.StatusRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.latest[ownerID]
	return rec, ok
}

func (w *StatusWorker) Stop() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}
	// cancelling the start context may already have stopped it
	if err := watcher.Stop(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
