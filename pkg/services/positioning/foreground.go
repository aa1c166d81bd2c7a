package positioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"constellation-tracker/pkg/ontology"
)

// Foreground is a continuous watch over a Geolocator.
type Foreground struct {
	geo     Geolocator
	ownerID string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewForeground(geo Geolocator, ownerID string) *Foreground {
	return &Foreground{geo: geo, ownerID: ownerID}
}

func (f *Foreground) Variant() ontology.Source {
	return ontology.SourceForeground
}

func (f *Foreground) Available() bool {
	return f.geo != nil
}

func (f *Foreground) Start(ctx context.Context, cfg Config) (<-chan Update, error) {
	if !f.Available() {
		return nil, fmt.Errorf("foreground watch: %w", ErrPositionUnavailable)
	}

	// a new watch replaces the previous one
	_ = f.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	raw, err := f.geo.Watch(ctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start watch: %w", err)
	}

	out := make(chan Update, 16)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done

	go func() {
		defer close(done)
		defer close(out)
		relay(ctx, raw, out, cfg.Timeout, ontology.SourceForeground, f.ownerID)
	}()

	return out, nil
}

func (f *Foreground) Stop() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// relay copies raw updates to out, stamping source and owner. If no update
// arrives for timeout, a single Timeout error is emitted for that quiet period.
func relay(ctx context.Context, raw <-chan Update, out chan<- Update, timeout time.Duration, source ontology.Source, ownerID string) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-expired:
			expired = nil
			if !send(ctx, out, Update{Err: NewError(CodeTimeout, fmt.Sprintf("no position within %s", timeout))}) {
				return
			}
		case u, ok := <-raw:
			if !ok {
				return
			}
			if u.Reading != nil {
				r := *u.Reading
				r.Source = source
				if r.OwnerID == "" {
					r.OwnerID = ownerID
				}
				u.Reading = &r
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
				expired = timer.C
			}
			if !send(ctx, out, u) {
				return
			}
		}
	}
}

func send(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
