package positioning

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"constellation-tracker/pkg/ontology"
)

// Bridge message types.
const (
	MsgStartLocation  = "START_LOCATION"
	MsgStopLocation   = "STOP_LOCATION"
	MsgLocationUpdate = "LOCATION_UPDATE"
	MsgLocationError  = "LOCATION_ERROR"
)

// BridgeRequest is posted to the native host.
type BridgeRequest struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	OwnerID   string       `json:"ownerId"`
	Options   *WireOptions `json:"options,omitempty"`
}

// BridgeMessage is received from the native host.
type BridgeMessage struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	Payload   *WirePosition `json:"payload,omitempty"`
	Error     *Error        `json:"error,omitempty"`
}

// BridgeTransport carries requests to and messages from the native host.
type BridgeTransport interface {
	Post(ctx context.Context, req BridgeRequest) error
	// Listen registers the handler for inbound messages and returns a
	// function that removes it.
	Listen(handler func(BridgeMessage)) (func() error, error)
}

// Bridge delegates acquisition to a native host. At most one bridge session
// is active at a time; messages for any other request id are dropped.
type Bridge struct {
	transport BridgeTransport
	ownerID   string

	mu        sync.Mutex
	unlisten  func() error
	requestID string
	out       chan Update
	received  bool
}

func NewBridge(transport BridgeTransport, ownerID string) *Bridge {
	return &Bridge{transport: transport, ownerID: ownerID}
}

func (b *Bridge) Variant() ontology.Source {
	return ontology.SourceHostBridge
}

func (b *Bridge) Available() bool {
	return b.transport != nil
}

func (b *Bridge) Start(ctx context.Context, cfg Config) (<-chan Update, error) {
	if !b.Available() {
		return nil, fmt.Errorf("host bridge: %w", ErrPositionUnavailable)
	}

	// no overlap of two bridge sessions
	_ = b.Stop()

	b.mu.Lock()
	if b.unlisten == nil {
		unlisten, err := b.transport.Listen(b.Deliver)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to listen on host bridge: %w", err)
		}
		b.unlisten = unlisten
	}
	requestID := uuid.New().String()
	out := make(chan Update, 16)
	b.requestID = requestID
	b.out = out
	b.received = false
	b.mu.Unlock()

	req := BridgeRequest{
		Type:      MsgStartLocation,
		RequestID: requestID,
		OwnerID:   b.ownerID,
		Options:   optionsFromConfig(cfg),
	}
	if err := b.transport.Post(ctx, req); err != nil {
		b.end(requestID)
		return nil, fmt.Errorf("failed to post start request: %w", err)
	}

	go b.supervise(ctx, requestID, cfg.Timeout)

	return out, nil
}

// supervise ends the session when ctx is cancelled and reports a timeout if
// the host stays silent past the acquisition timeout.
func (b *Bridge) supervise(ctx context.Context, requestID string, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if b.end(requestID) {
				b.postStop(requestID)
			}
			return
		case <-expired:
			expired = nil
			b.mu.Lock()
			if b.requestID == requestID && !b.received {
				b.deliverLocked(Update{Err: NewError(CodeTimeout, fmt.Sprintf("host sent no position within %s", timeout))})
			}
			active := b.requestID == requestID
			b.mu.Unlock()
			if !active {
				return
			}
		}
	}
}

// Deliver routes an inbound host message to the active session.
func (b *Bridge) Deliver(msg BridgeMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.out == nil || msg.RequestID != b.requestID {
		log.Printf("[Bridge] dropping %s for inactive request %q", msg.Type, msg.RequestID)
		return
	}

	switch msg.Type {
	case MsgLocationUpdate:
		if msg.Payload == nil {
			b.deliverLocked(Update{Err: NewError(CodePositionUnavailable, "update without payload")})
			return
		}
		r, err := msg.Payload.Reading(b.ownerID, ontology.SourceHostBridge)
		if err != nil {
			log.Printf("[Bridge] invalid position from host: %v", err)
			return
		}
		b.received = true
		b.deliverLocked(Update{Reading: &r})
	case MsgLocationError:
		perr := msg.Error
		if perr == nil {
			perr = NewError(CodePositionUnavailable, "unspecified host error")
		}
		b.deliverLocked(Update{Err: perr})
	default:
		log.Printf("[Bridge] ignoring unknown message type %q", msg.Type)
	}
}

func (b *Bridge) deliverLocked(u Update) {
	select {
	case b.out <- u:
	default:
		log.Printf("[Bridge] session %s backlog full, dropping update", b.requestID)
	}
}

// end closes the session identified by requestID if it is still active.
func (b *Bridge) end(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requestID != requestID || b.out == nil {
		return false
	}
	close(b.out)
	b.out = nil
	b.requestID = ""
	return true
}

func (b *Bridge) Stop() error {
	b.mu.Lock()
	requestID := b.requestID
	b.mu.Unlock()

	if requestID == "" || !b.end(requestID) {
		return nil
	}
	return b.postStop(requestID)
}

func (b *Bridge) postStop(requestID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := b.transport.Post(ctx, BridgeRequest{Type: MsgStopLocation, RequestID: requestID, OwnerID: b.ownerID})
	if err != nil {
		log.Printf("[Bridge] failed to post stop for %s: %v", requestID, err)
	}
	return err
}

// Close stops any session and detaches from the transport.
func (b *Bridge) Close() error {
	_ = b.Stop()

	b.mu.Lock()
	unlisten := b.unlisten
	b.unlisten = nil
	b.mu.Unlock()

	if unlisten != nil {
		return unlisten()
	}
	return nil
}
