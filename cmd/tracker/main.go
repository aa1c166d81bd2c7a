package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"constellation-tracker/api"
	"constellation-tracker/api/middleware"
	"constellation-tracker/api/services"
	"constellation-tracker/db"
	"constellation-tracker/pkg/config"
	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/buffer"
	embeddednats "constellation-tracker/pkg/services/embedded-nats"
	"constellation-tracker/pkg/services/geofence"
	"constellation-tracker/pkg/services/positioning"
	"constellation-tracker/pkg/services/remote"
	"constellation-tracker/pkg/services/syncer"
	"constellation-tracker/pkg/services/tracking"
	"constellation-tracker/pkg/services/workers"
)

const compactInterval = time.Hour

var (
	dbService *db.Service
	natsSrv   *embeddednats.EmbeddedNATS
	statusKV  nats.KeyValue
)

func initDB(cfg *config.Config) error {
	var err error

	dbConfig := db.DefaultConfig()
	dbConfig.DBPath = cfg.DBPath

	dbService, err = db.New(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize database service: %w", err)
	}

	version, dirty, err := dbService.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Printf("Database service initialized (schema version %d, dirty=%t)", version, dirty)
	return nil
}

func initNATS(cfg *config.Config) error {
	var err error

	natsConfig := embeddednats.DefaultConfig()
	natsConfig.DataDir = cfg.NATSDataDir
	natsConfig.Port = cfg.NATSPort

	natsSrv, err = embeddednats.New(natsConfig)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := natsSrv.Start(); err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	if err := natsSrv.CreateTrackerStreams(); err != nil {
		return fmt.Errorf("failed to create tracker streams: %w", err)
	}

	statusKV, err = natsSrv.CreateStatusBucket()
	if err != nil {
		return err
	}

	log.Println("NATS JetStream initialized successfully")
	return nil
}

// primarySource builds the continuous source selected by configuration. The
// bridge is returned separately so host messages posted over HTTP reach it.
func primarySource(cfg *config.Config, nc *nats.Conn, geo positioning.Geolocator) (positioning.Source, *positioning.Bridge) {
	if cfg.Source == config.SourceHostBridge {
		bridge := positioning.NewBridge(positioning.NewNATSBridgeTransport(nc, cfg.OwnerID), cfg.OwnerID)
		return bridge, bridge
	}
	return positioning.NewForeground(geo, cfg.OwnerID), nil
}

// runBackground stands in for the platform's periodic task scheduler.
func runBackground(ctx context.Context, engine *tracking.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !engine.IsTracking() {
				continue
			}
			accepted, err := engine.RunBackground(ctx)
			if err != nil {
				log.Printf("Background acquisition failed: %v", err)
				continue
			}
			if accepted {
				log.Println("Background acquisition produced a new reading")
			}
		}
	}
}

func runCompaction(ctx context.Context, store *buffer.Store, ownerID string) {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Compact(ctx, ownerID)
			if err != nil {
				log.Printf("Buffer compaction failed: %v", err)
			} else if n > 0 {
				log.Printf("Compacted %d synced readings", n)
			}
		}
	}
}

func main() {
	if config.LoadDotEnv() {
		log.Println("Loaded configuration from .env file")
	} else {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initDB(cfg); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer dbService.Close()

	if err := initNATS(cfg); err != nil {
		log.Fatal("Failed to initialize NATS:", err)
	}

	workerManager, err := workers.NewManager(natsSrv, dbService.GetDB(), statusKV)
	if err != nil {
		log.Fatal("Failed to create worker manager:", err)
	}
	if err := workerManager.Start(ctx); err != nil {
		log.Fatal("Failed to start workers:", err)
	}

	nc := natsSrv.Connection()
	bufferStore := buffer.New(dbService.GetDB())
	remoteStore := remote.NewStore(natsSrv.JetStream(), statusKV)
	sync := syncer.New(bufferStore, remoteStore)
	renderer := remote.NewRenderer(nc, cfg.OwnerID)

	evaluator := geofence.NewEvaluator()
	geofenceService := services.NewGeofenceService(evaluator, geofence.NewStore(dbService.GetDB()), renderer)
	n, err := geofenceService.Load(ctx, cfg.Geofences...)
	if err != nil {
		log.Fatal("Failed to load geofences:", err)
	}
	log.Printf("Loaded %d geofences", n)

	geo := positioning.NewNATSGeolocator(nc, cfg.OwnerID)
	source, bridge := primarySource(cfg, nc, geo)

	var battery tracking.Battery = tracking.StaticBattery{}
	if cfg.BatteryLevel != nil {
		battery = tracking.StaticBattery{Value: *cfg.BatteryLevel, Known: true}
	}

	engineConfig := tracking.DefaultConfig()
	engineConfig.MinTime = cfg.MinTime
	engineConfig.MinDistance = cfg.MinDistance
	engineConfig.AcquireTimeout = cfg.AcquireTimeout

	engine, err := tracking.NewEngine(engineConfig, tracking.Deps{
		OwnerID:     cfg.OwnerID,
		Source:      source,
		Background:  positioning.NewBackground(geo, cfg.OwnerID),
		Buffer:      bufferStore,
		Syncer:      sync,
		Geofences:   evaluator,
		Permissions: tracking.StaticPermissions{State: tracking.PermissionState(cfg.Permission)},
		Battery:     battery,
		Notifier:    remote.NewNotifier(natsSrv.JetStream()),
		Renderer:    renderer,
		Events:      remoteStore,
	})
	if err != nil {
		log.Fatal("Failed to create tracking engine:", err)
	}
	engine.OnGeofenceEvent(func(ev ontology.GeofenceEvent) {
		log.Printf("Geofence %s: %q", ev.Transition, ev.Area.Name)
	})
	engine.OnError(func(err error) {
		log.Printf("Tracking error: %v", err)
	})

	go func() {
		if err := syncer.NewReconciler(sync, cfg.SyncInterval, cfg.OwnerID).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Reconciler stopped: %v", err)
		}
	}()
	go runBackground(ctx, engine, cfg.BackgroundInterval)
	go runCompaction(ctx, bufferStore, cfg.OwnerID)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mux := http.NewServeMux()

	opts := api.Options{
		OwnerID:   cfg.OwnerID,
		Tracker:   engine,
		Syncer:    sync,
		Buffer:    bufferStore,
		Status:    remoteStore,
		Geofences: geofenceService,
		History:   services.NewHistoryService(dbService.GetDB()),
		Database:  dbService,
		NATS:      natsSrv,
	}
	if bridge != nil {
		opts.Bridge = bridge
	}
	handlers := api.NewHandlers(opts)
	handlers.RegisterRoutes(mux, cfg.APIToken)

	handler := middleware.CORS(middleware.RequestLogger(mux))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting tracker API server on port %s for owner %s (%s source)", cfg.Port, cfg.OwnerID, source.Variant())
		if cfg.APIToken == config.DefaultAPIToken {
			log.Printf("Using development bearer token: %s", cfg.APIToken)
		}

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	// stopping records the Stopped status while NATS is still up
	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("Failed to stop tracking: %v", err)
	}

	if err := workerManager.Stop(); err != nil {
		log.Printf("Failed to stop workers: %v", err)
	}

	if err := natsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown NATS: %v", err)
	}

	log.Println("Server shutdown complete")
}
