// Package syncer drains the offline buffer into the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"constellation-tracker/pkg/ontology"
)

// ErrRemoteWriteFailed marks a remote write that did not succeed. The
// reading stays buffered and is retried on the next sync.
var ErrRemoteWriteFailed = errors.New("remote write failed")

// Remote is the remote store contract the engine relies on.
type Remote interface {
	InsertReading(ctx context.Context, r ontology.PositionReading) error
	UpsertTrackingStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error
}

// Buffer is the part of the offline buffer the syncer drains.
type Buffer interface {
	Pending(ctx context.Context, ownerID string) ([]ontology.BufferedReading, error)
	MarkSynced(ctx context.Context, ownerID string, keys []int64) error
	SetPendingStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error
	PendingStatus(ctx context.Context, ownerID string) (ontology.StatusRecord, bool, error)
	ClearPendingStatus(ctx context.Context, rec ontology.StatusRecord) error
}

// Result reports the keys delivered and the key whose delivery failed.
type Result struct {
	Succeeded []int64 `json:"succeeded"`
	Failed    []int64 `json:"failed"`
}

type ownerState struct {
	drain  sync.Mutex
	status sync.Mutex

	flags   sync.Mutex
	running bool
	again   bool
}

// Syncer serializes drains per owner; different owners drain independently.
type Syncer struct {
	buffer Buffer
	remote Remote

	// MaxPasses bounds how often one drain re-reads the pending set to pick
	// up readings appended while it was running.
	MaxPasses int

	mu     sync.Mutex
	owners map[string]*ownerState
}

func New(buffer Buffer, remote Remote) *Syncer {
	return &Syncer{
		buffer:    buffer,
		remote:    remote,
		MaxPasses: 3,
		owners:    make(map[string]*ownerState),
	}
}

func (s *Syncer) state(ownerID string) *ownerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.owners[ownerID]
	if !ok {
		st = &ownerState{}
		s.owners[ownerID] = st
	}
	return st
}

// SyncPending delivers the owner's pending readings oldest first. It stops at
// the first failed write so that order is preserved.
func (s *Syncer) SyncPending(ctx context.Context, ownerID string) (Result, error) {
	st := s.state(ownerID)
	st.drain.Lock()
	defer st.drain.Unlock()

	var res Result
	for pass := 0; pass < s.MaxPasses; pass++ {
		pending, err := s.buffer.Pending(ctx, ownerID)
		if err != nil {
			return res, fmt.Errorf("failed to load pending readings: %w", err)
		}
		if len(pending) == 0 {
			return res, nil
		}

		for _, br := range pending {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.remote.InsertReading(ctx, br.PositionReading); err != nil {
				res.Failed = append(res.Failed, br.Key)
				return res, fmt.Errorf("%w: reading %d: %v", ErrRemoteWriteFailed, br.Key, err)
			}
			// a failure here leaves the reading pending; the next drain
			// resends it and the remote store drops the duplicate
			if err := s.buffer.MarkSynced(ctx, ownerID, []int64{br.Key}); err != nil {
				return res, fmt.Errorf("failed to mark reading %d synced: %w", br.Key, err)
			}
			res.Succeeded = append(res.Succeeded, br.Key)
		}
	}
	return res, nil
}

// Kick starts a background drain for the owner. If one is already running it
// is asked to run once more instead of starting a second one.
func (s *Syncer) Kick(ctx context.Context, ownerID string) {
	st := s.state(ownerID)
	st.flags.Lock()
	if st.running {
		st.again = true
		st.flags.Unlock()
		return
	}
	st.running = true
	st.flags.Unlock()

	go func() {
		for {
			res, err := s.SyncPending(ctx, ownerID)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Syncer] sync for %s stopped after %d readings: %v", ownerID, len(res.Succeeded), err)
			}

			st.flags.Lock()
			if !st.again || ctx.Err() != nil {
				st.running = false
				st.again = false
				st.flags.Unlock()
				return
			}
			st.again = false
			st.flags.Unlock()
		}
	}()
}

// PushStatus records the status durably and then tries to deliver it.
func (s *Syncer) PushStatus(ctx context.Context, ownerID string, status ontology.TrackingStatus) error {
	if err := s.buffer.SetPendingStatus(ctx, ownerID, status); err != nil {
		// without the outbox the only chance is a direct write
		log.Printf("[Syncer] %v; writing status directly", err)
		if err := s.remote.UpsertTrackingStatus(ctx, ownerID, status); err != nil {
			return fmt.Errorf("%w: status %s: %v", ErrRemoteWriteFailed, status, err)
		}
		return nil
	}
	return s.FlushStatus(ctx, ownerID)
}

// FlushStatus delivers the owner's outstanding status, if any.
func (s *Syncer) FlushStatus(ctx context.Context, ownerID string) error {
	st := s.state(ownerID)
	st.status.Lock()
	defer st.status.Unlock()

	rec, ok, err := s.buffer.PendingStatus(ctx, ownerID)
	if err != nil || !ok {
		return err
	}
	if err := s.remote.UpsertTrackingStatus(ctx, ownerID, rec.Status); err != nil {
		return fmt.Errorf("%w: status %s: %v", ErrRemoteWriteFailed, rec.Status, err)
	}
	return s.buffer.ClearPendingStatus(ctx, rec)
}

// Reconciler periodically flushes status and drains pending readings for a
// fixed set of owners.
type Reconciler struct {
	syncer   *Syncer
	owners   []string
	interval time.Duration
}

func NewReconciler(s *Syncer, interval time.Duration, owners ...string) *Reconciler {
	return &Reconciler{syncer: s, owners: owners, interval: interval}
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[Reconciler] running every %s for %d owner(s)", r.interval, len(r.owners))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a single reconciliation pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	for _, owner := range r.owners {
		if err := r.syncer.FlushStatus(ctx, owner); err != nil {
			log.Printf("[Reconciler] status for %s not delivered: %v", owner, err)
		}
		res, err := r.syncer.SyncPending(ctx, owner)
		if err != nil {
			log.Printf("[Reconciler] sync for %s: %d delivered, stopped at %v: %v", owner, len(res.Succeeded), res.Failed, err)
		} else if len(res.Succeeded) > 0 {
			log.Printf("[Reconciler] delivered %d buffered readings for %s", len(res.Succeeded), owner)
		}
	}
}
