package positioning

import (
	"context"
	"sync"
	"time"

	"constellation-tracker/pkg/ontology"
)

type fakeGeolocator struct {
	mu      sync.Mutex
	feeds   []chan Update
	current func(ctx context.Context, cfg Config) (ontology.PositionReading, error)
}

func (g *fakeGeolocator) Watch(ctx context.Context, _ Config) (<-chan Update, error) {
	feed := make(chan Update, 8)
	g.mu.Lock()
	g.feeds = append(g.feeds, feed)
	g.mu.Unlock()

	out := make(chan Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-feed:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *fakeGeolocator) Current(ctx context.Context, cfg Config) (ontology.PositionReading, error) {
	return g.current(ctx, cfg)
}

func (g *fakeGeolocator) push(r ontology.PositionReading) {
	g.mu.Lock()
	feed := g.feeds[len(g.feeds)-1]
	g.mu.Unlock()
	feed <- Update{Reading: &r}
}

type fakeTransport struct {
	mu       sync.Mutex
	posted   []BridgeRequest
	handler  func(BridgeMessage)
	postErr  error
	unlisten int
}

func (t *fakeTransport) Post(_ context.Context, req BridgeRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.postErr != nil {
		return t.postErr
	}
	t.posted = append(t.posted, req)
	return nil
}

func (t *fakeTransport) Listen(handler func(BridgeMessage)) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.unlisten++
		return nil
	}, nil
}

func (t *fakeTransport) requests() []BridgeRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]BridgeRequest(nil), t.posted...)
}

func reading(lat, lon float64) ontology.PositionReading {
	return ontology.PositionReading{
		OwnerID:   "owner-1",
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  5,
		Timestamp: time.UnixMilli(1715003456000),
	}
}

func receive(ch <-chan Update) (Update, bool) {
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(2 * time.Second):
		return Update{}, false
	}
}
