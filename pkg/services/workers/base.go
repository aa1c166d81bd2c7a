package workers

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	fetchBatch = 10
	fetchWait  = 2 * time.Second
	retryDelay = 5 * time.Second
)

// errMalformed marks a message that can never be processed; it is terminated
// instead of redelivered.
var errMalformed = errors.New("malformed message")

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// Binding names the durable consumer a worker pulls from.
type Binding struct {
	Stream   string
	Consumer string
	Subject  string
}

type BaseWorker struct {
	name    string
	js      nats.JetStreamContext
	binding Binding

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBaseWorker(name string, js nats.JetStreamContext, binding Binding) *BaseWorker {
	return &BaseWorker{name: name, js: js, binding: binding}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Binding() Binding {
	return w.binding
}

func (w *BaseWorker) Stop() error {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// processMessages pulls batches until ctx is done and settles each message
// by the outcome of handler.
func (w *BaseWorker) processMessages(ctx context.Context, handler func(*nats.Msg) error) error {
	b := w.binding
	sub, err := w.js.PullSubscribe(b.Subject, b.Consumer,
		nats.ManualAck(),
		nats.Bind(b.Stream, b.Consumer),
	)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	log.Printf("[%s] Pulling %s from %s", w.name, b.Consumer, b.Stream)

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		switch {
		case err == nil, errors.Is(err, nats.ErrTimeout):
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return err
		default:
			log.Printf("[%s] Fetch failed: %v", w.name, err)
			continue
		}

		for _, msg := range msgs {
			w.settle(msg, handler(msg))
		}
	}
	return ctx.Err()
}

func (w *BaseWorker) settle(msg *nats.Msg, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = msg.Ack()
	case errors.Is(err, errMalformed):
		log.Printf("[%s] Dropping message on %s: %v", w.name, msg.Subject, err)
		ackErr = msg.Term()
	default:
		log.Printf("[%s] Processing %s failed, retrying in %s: %v", w.name, msg.Subject, retryDelay, err)
		ackErr = msg.NakWithDelay(retryDelay)
	}
	if ackErr != nil {
		log.Printf("[%s] Ack failed: %v", w.name, ackErr)
	}
}
