package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"constellation-tracker/api/middleware"
	"constellation-tracker/api/services"
	"constellation-tracker/pkg/ontology"
	"constellation-tracker/pkg/services/positioning"
	"constellation-tracker/pkg/services/syncer"
	"constellation-tracker/pkg/services/tracking"
	"constellation-tracker/pkg/shared"
)

// Tracker is the tracking engine as seen by the HTTP surface.
type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SurfaceLost(ctx context.Context) error
	State() ontology.TrackingState
	LastError() error
}

// Syncer drains the offline buffer on demand.
type Syncer interface {
	FlushStatus(ctx context.Context, ownerID string) error
	SyncPending(ctx context.Context, ownerID string) (syncer.Result, error)
}

// BufferHistory lists what the offline buffer holds.
type BufferHistory interface {
	History(ctx context.Context, ownerID string, limit int) ([]ontology.BufferedReading, error)
}

// StatusLookup reads the tracking status held by the remote store.
type StatusLookup interface {
	TrackingStatus(ctx context.Context, ownerID string) (ontology.StatusRecord, bool, error)
}

// HealthChecker reports the health of a dependency.
type HealthChecker interface {
	HealthCheck() error
}

type Options struct {
	OwnerID   string
	Tracker   Tracker
	Syncer    Syncer
	Buffer    BufferHistory
	Status    StatusLookup
	Geofences *services.GeofenceService
	History   *services.HistoryService
	// Bridge receives host messages posted over HTTP; nil when the host
	// bridge is not the active source.
	Bridge interface {
		Deliver(positioning.BridgeMessage)
	}
	Database HealthChecker
	NATS     HealthChecker
}

type Handlers struct {
	opts Options
}

func NewHandlers(opts Options) *Handlers {
	return &Handlers{opts: opts}
}

type trackingView struct {
	OwnerID      string                 `json:"owner_id"`
	IsTracking   bool                   `json:"is_tracking"`
	State        ontology.TrackingState `json:"state"`
	LastError    string                 `json:"last_error,omitempty"`
	RemoteStatus *ontology.StatusRecord `json:"remote_status,omitempty"`
}

// Tracking handlers
func (h *Handlers) StartTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Tracker.Start(r.Context()); err != nil {
		switch {
		case errors.Is(err, tracking.ErrPermissionDenied):
			sendError(w, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
		case errors.Is(err, tracking.ErrUnsupported):
			sendError(w, http.StatusNotImplemented, "UNSUPPORTED", err.Error())
		default:
			sendError(w, http.StatusInternalServerError, "START_FAILED", err.Error())
		}
		return
	}

	sendSuccess(w, http.StatusOK, h.trackingView(r.Context()))
}

func (h *Handlers) StopTracking(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Tracker.Stop(r.Context()); err != nil {
		sendError(w, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusOK, h.trackingView(r.Context()))
}

func (h *Handlers) SurfaceLost(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Tracker.SurfaceLost(r.Context()); err != nil {
		sendError(w, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusOK, h.trackingView(r.Context()))
}

func (h *Handlers) GetTracking(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.trackingView(r.Context()))
}

func (h *Handlers) trackingView(ctx context.Context) trackingView {
	st := h.opts.Tracker.State()
	view := trackingView{
		OwnerID:    h.opts.OwnerID,
		IsTracking: st.Phase == ontology.PhaseActive,
		State:      st,
	}
	if err := h.opts.Tracker.LastError(); err != nil && view.IsTracking {
		view.LastError = err.Error()
	}
	if h.opts.Status != nil {
		if rec, ok, err := h.opts.Status.TrackingStatus(ctx, h.opts.OwnerID); err == nil && ok {
			view.RemoteStatus = &rec
		}
	}
	return view
}

// Geofence handlers
func (h *Handlers) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	var req ontology.CreateGeofenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	area, err := h.opts.Geofences.CreateGeofence(r.Context(), &req)
	if err != nil {
		sendError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusCreated, area)
}

func (h *Handlers) ListGeofences(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, http.StatusOK, h.opts.Geofences.ListGeofences())
}

func (h *Handlers) DeleteGeofence(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ID", "id is required")
		return
	}

	if err := h.opts.Geofences.DeleteGeofence(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrGeofenceNotFound) {
			sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		} else {
			sendError(w, http.StatusInternalServerError, "DELETE_FAILED", err.Error())
		}
		return
	}

	sendSuccess(w, http.StatusOK, map[string]string{"message": "Geofence deleted successfully"})
}

// Sync and history handlers
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	statusErr := h.opts.Syncer.FlushStatus(r.Context(), h.opts.OwnerID)

	res, err := h.opts.Syncer.SyncPending(r.Context(), h.opts.OwnerID)
	if err == nil {
		err = statusErr
	}
	if err != nil {
		if errors.Is(err, syncer.ErrRemoteWriteFailed) {
			sendJSON(w, http.StatusBadGateway, shared.Response{
				Success: false,
				Data:    res,
				Error:   &shared.Error{Code: "REMOTE_WRITE_FAILED", Message: err.Error()},
			})
		} else {
			sendError(w, http.StatusInternalServerError, "SYNC_FAILED", err.Error())
		}
		return
	}

	sendSuccess(w, http.StatusOK, res)
}

func (h *Handlers) ListReadings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be RFC 3339")
			return
		}
	}

	readings, err := h.opts.History.ListReadings(r.Context(), h.opts.OwnerID, since, limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusOK, readings)
}

func (h *Handlers) ListBuffer(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	readings, err := h.opts.Buffer.History(r.Context(), h.opts.OwnerID, limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusOK, readings)
}

// Bridge handler
func (h *Handlers) DeliverBridgeMessage(w http.ResponseWriter, r *http.Request) {
	if h.opts.Bridge == nil {
		sendError(w, http.StatusConflict, "BRIDGE_INACTIVE", "host bridge is not the active source")
		return
	}

	var msg positioning.BridgeMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	switch msg.Type {
	case positioning.MsgLocationUpdate, positioning.MsgLocationError:
	default:
		sendError(w, http.StatusBadRequest, "INVALID_TYPE", "type must be LOCATION_UPDATE or LOCATION_ERROR")
		return
	}

	h.opts.Bridge.Deliver(msg)
	sendSuccess(w, http.StatusAccepted, map[string]string{"message": "Message delivered"})
}

// Health check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := shared.HealthStatus{
		Status:    "healthy",
		Service:   "constellation-tracker",
		Timestamp: time.Now(),
		Details:   make(map[string]string),
	}

	checks := map[string]HealthChecker{
		"database": h.opts.Database,
		"nats":     h.opts.NATS,
	}
	for name, checker := range checks {
		if checker == nil {
			continue
		}
		if err := checker.HealthCheck(); err != nil {
			health.Status = "unhealthy"
			health.Details[name] = "unhealthy: " + err.Error()
		} else {
			health.Details[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	sendSuccess(w, statusCode, health)
}

// Helper functions
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	sendJSON(w, statusCode, shared.Response{
		Success: true,
		Data:    data,
	})
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	sendJSON(w, statusCode, shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
		},
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, response shared.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func methodNotAllowed(w http.ResponseWriter) {
	sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, token string) {
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return middleware.BearerAuth(token, next)
	}
	post := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			auth(next)(w, r)
		}
	}

	// Health check (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)

	// Tracking endpoints
	mux.HandleFunc("/api/v1/tracking", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.GetTracking)(w, r)
	})
	mux.HandleFunc("/api/v1/tracking/start", post(h.StartTracking))
	mux.HandleFunc("/api/v1/tracking/stop", post(h.StopTracking))
	mux.HandleFunc("/api/v1/tracking/surface-lost", post(h.SurfaceLost))

	// Geofence endpoints
	mux.HandleFunc("/api/v1/geofences", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			auth(h.CreateGeofence)(w, r)
		case http.MethodGet:
			auth(h.ListGeofences)(w, r)
		case http.MethodDelete:
			auth(h.DeleteGeofence)(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	// Sync and history endpoints
	mux.HandleFunc("/api/v1/sync", post(h.Sync))
	mux.HandleFunc("/api/v1/readings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.ListReadings)(w, r)
	})
	mux.HandleFunc("/api/v1/buffer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		auth(h.ListBuffer)(w, r)
	})

	// Host bridge endpoint
	mux.HandleFunc("/api/v1/bridge/messages", post(h.DeliverBridgeMessage))
}
