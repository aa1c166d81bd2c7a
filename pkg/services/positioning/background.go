package positioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"constellation-tracker/pkg/ontology"
)

// Background performs one acquisition per Start and then ends the session.
// It is invoked by an external periodic scheduler.
type Background struct {
	geo     Geolocator
	ownerID string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewBackground(geo Geolocator, ownerID string) *Background {
	return &Background{geo: geo, ownerID: ownerID}
}

func (b *Background) Variant() ontology.Source {
	return ontology.SourceBackground
}

func (b *Background) Available() bool {
	return b.geo != nil
}

func (b *Background) Start(ctx context.Context, cfg Config) (<-chan Update, error) {
	if !b.Available() {
		return nil, fmt.Errorf("background acquisition: %w", ErrPositionUnavailable)
	}

	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = cancel
	b.mu.Unlock()

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		defer cancel()

		r, err := b.geo.Current(ctx, cfg)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, context.DeadlineExceeded):
				out <- Update{Err: NewError(CodeTimeout, fmt.Sprintf("no position within %s", cfg.Timeout))}
			default:
				out <- Update{Err: asError(err)}
			}
			return
		}
		r.Source = ontology.SourceBackground
		if r.OwnerID == "" {
			r.OwnerID = b.ownerID
		}
		out <- Update{Reading: &r}
	}()

	return out, nil
}

func (b *Background) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	return nil
}
