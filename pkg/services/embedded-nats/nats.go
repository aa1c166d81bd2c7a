// Package embeddednats runs the NATS JetStream server that acts as the
// tracker's remote store and declares its streams, bucket and consumers.
package embeddednats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"constellation-tracker/pkg/shared"
)

const readyTimeout = 10 * time.Second

type Config struct {
	Host            string
	Port            int // -1 picks a random port
	DataDir         string
	MaxMemory       int64
	MaxFileStore    int64
	JetStreamDomain string
	TLSCert         string
	TLSKey          string
}

type EmbeddedNATS struct {
	config *Config
	server *server.Server
	nc     *nats.Conn
	js     nats.JetStreamContext
}

func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         4222,
		DataDir:      "./data/nats",
		MaxMemory:    64 * 1024 * 1024,  // 64MB
		MaxFileStore: 512 * 1024 * 1024, // 512MB
	}
}

func New(cfg *Config) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("TLS needs both a certificate and a key")
	}
	return &EmbeddedNATS{config: cfg}, nil
}

func (en *EmbeddedNATS) serverOptions() *server.Options {
	return &server.Options{
		ServerName:         "tracker",
		Host:               en.config.Host,
		Port:               en.config.Port,
		JetStream:          true,
		StoreDir:           en.config.DataDir,
		JetStreamMaxMemory: en.config.MaxMemory,
		JetStreamMaxStore:  en.config.MaxFileStore,
		JetStreamDomain:    en.config.JetStreamDomain,
		TLSCert:            en.config.TLSCert,
		TLSKey:             en.config.TLSKey,
	}
}

// Start boots the server and opens the in-process client connection.
func (en *EmbeddedNATS) Start() error {
	ns, err := server.NewServer(en.serverOptions())
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready after %s", readyTimeout)
	}
	en.server = ns

	if err := en.connect(); err != nil {
		ns.Shutdown()
		en.server = nil
		return err
	}

	log.Printf("[NATS] Embedded server listening at %s", ns.ClientURL())
	return nil
}

func (en *EmbeddedNATS) connect() error {
	nc, err := nats.Connect(en.server.ClientURL(),
		nats.Name("constellation-tracker"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[NATS] Error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[NATS] Error: %v", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("[NATS] Reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	en.nc = nc
	en.js = js
	return nil
}

func (en *EmbeddedNATS) ClientURL() string {
	if en.server == nil {
		return ""
	}
	return en.server.ClientURL()
}

// EnsureStream creates the stream or brings an existing one to cfg.
func (en *EmbeddedNATS) EnsureStream(cfg *nats.StreamConfig) error {
	if en.js == nil {
		return fmt.Errorf("JetStream not initialized")
	}

	_, err := en.js.StreamInfo(cfg.Name)
	switch {
	case err == nil:
		if _, err := en.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
		}
		log.Printf("[NATS] Updated stream %s %v", cfg.Name, cfg.Subjects)
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := en.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to add stream %s: %w", cfg.Name, err)
		}
		log.Printf("[NATS] Created stream %s %v", cfg.Name, cfg.Subjects)
	default:
		return fmt.Errorf("failed to look up stream %s: %w", cfg.Name, err)
	}
	return nil
}

func trackerStreams() []*nats.StreamConfig {
	return []*nats.StreamConfig{
		{
			// the remote reading store; a resent reading lands inside the
			// duplicate window and is dropped
			Name:        shared.StreamReadings,
			Subjects:    []string{shared.SubjectReadingsAll},
			Retention:   nats.LimitsPolicy,
			MaxMsgs:     1_000_000,
			MaxBytes:    256 * 1024 * 1024, // 256MB
			MaxAge:      30 * 24 * time.Hour,
			MaxMsgSize:  64 * 1024,
			Replicas:    1,
			Duplicates:  24 * time.Hour,
			AllowDirect: true,
			Discard:     nats.DiscardOld,
		},
		{
			Name:        shared.StreamGeofenceEvents,
			Subjects:    []string{shared.SubjectGeofenceAll},
			Retention:   nats.LimitsPolicy,
			MaxMsgs:     100_000,
			MaxBytes:    64 * 1024 * 1024, // 64MB
			MaxAge:      7 * 24 * time.Hour,
			MaxMsgSize:  64 * 1024,
			Replicas:    1,
			Duplicates:  2 * time.Minute,
			AllowDirect: true,
			Discard:     nats.DiscardOld,
		},
		{
			Name:       shared.StreamAlerts,
			Subjects:   []string{shared.SubjectSystemAlertsAll},
			Retention:  nats.LimitsPolicy,
			MaxMsgs:    10_000,
			MaxBytes:   16 * 1024 * 1024, // 16MB
			MaxAge:     24 * time.Hour,
			MaxMsgSize: 16 * 1024,
			Replicas:   1,
			Duplicates: time.Minute,
			Discard:    nats.DiscardOld,
		},
	}
}

// CreateTrackerStreams declares the streams of the remote store.
func (en *EmbeddedNATS) CreateTrackerStreams() error {
	for _, cfg := range trackerStreams() {
		if err := en.EnsureStream(cfg); err != nil {
			return err
		}
	}
	return nil
}

// CreateStatusBucket declares the key-value bucket holding one tracking
// status per owner.
func (en *EmbeddedNATS) CreateStatusBucket() (nats.KeyValue, error) {
	if en.js == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}

	kv, err := en.js.KeyValue(shared.BucketTrackingStatus)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", shared.BucketTrackingStatus, err)
	}

	kv, err = en.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      shared.BucketTrackingStatus,
		Description: "latest tracking status per owner",
		History:     5,
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", shared.BucketTrackingStatus, err)
	}

	log.Printf("[NATS] Created bucket %s", shared.BucketTrackingStatus)
	return kv, nil
}

// PublishWithDedup appends data to the stream bound to subject, keyed by
// msgID for server side deduplication.
func (en *EmbeddedNATS) PublishWithDedup(subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, err := en.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// CreateDurableConsumer declares a pull consumer with explicit acks. A
// message is redelivered at most five times.
func (en *EmbeddedNATS) CreateDurableConsumer(stream, consumer, filterSubject string) error {
	if _, err := en.js.ConsumerInfo(stream, consumer); err == nil {
		return nil
	}

	_, err := en.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: filterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1000,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s on %s: %w", consumer, stream, err)
	}

	log.Printf("[NATS] Created consumer %s on %s", consumer, stream)
	return nil
}

func (en *EmbeddedNATS) Connection() *nats.Conn {
	return en.nc
}

func (en *EmbeddedNATS) JetStream() nats.JetStreamContext {
	return en.js
}

// Shutdown drains the client connection, then stops the server. It gives up
// waiting once ctx is done.
func (en *EmbeddedNATS) Shutdown(ctx context.Context) error {
	if en.nc != nil {
		if err := en.nc.Drain(); err != nil {
			en.nc.Close()
		}
	}
	if en.server == nil {
		return nil
	}

	en.server.Shutdown()
	done := make(chan struct{})
	go func() {
		en.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("NATS shutdown interrupted: %w", ctx.Err())
	}
}

func (en *EmbeddedNATS) HealthCheck() error {
	switch {
	case en.nc == nil:
		return fmt.Errorf("NATS connection not initialized")
	case !en.nc.IsConnected():
		return fmt.Errorf("NATS not connected")
	case en.server != nil && !en.server.Running():
		return fmt.Errorf("NATS server not running")
	}
	return nil
}
