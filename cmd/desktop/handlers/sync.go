// Package handlers provides REST API handlers for entity saves and loads,
// sync status and sync operations.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
	"github.com/kimhsiao/studysync/backend/internal/models"
	syncpkg "github.com/kimhsiao/studysync/backend/internal/sync"
	"github.com/kimhsiao/studysync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/studysync/backend/internal/sync/status"
)

// maxPayloadBytes bounds an entity payload accepted by SaveEntity.
const maxPayloadBytes = 4 << 20

// ConnectivityOverride sets the connectivity signal by hand.
type ConnectivityOverride interface {
	Set(online bool)
}

// WSStatusBroadcaster pushes status snapshots to websocket clients.
type WSStatusBroadcaster interface {
	BroadcastStatus(snapshot models.SyncStatusSnapshot)
}

// SyncHandler handles entity and sync endpoints.
type SyncHandler struct {
	engine    *syncpkg.Engine
	reporter  *status.Reporter
	scheduler *scheduler.Scheduler
	override  ConnectivityOverride
	wsHub     WSStatusBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine *syncpkg.Engine, reporter *status.Reporter, sched *scheduler.Scheduler) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		reporter:  reporter,
		scheduler: sched,
	}
}

// SetConnectivityOverride enables PUT /api/connectivity.
func (h *SyncHandler) SetConnectivityOverride(override ConnectivityOverride) {
	h.override = override
}

// SetWebSocketHub sets the hub receiving status snapshots after mutations.
func (h *SyncHandler) SetWebSocketHub(wsHub WSStatusBroadcaster) {
	h.wsHub = wsHub
}

// Routes registers the handler's endpoints under /api.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Put("/entities/{entity}", h.SaveEntity)
		r.Get("/entities/{entity}", h.LoadEntity)
		r.Post("/sync", h.SyncUser)
		r.Post("/sync/retry", h.RetryFailed)
		r.Get("/sync/status", h.UserStatus)
		r.Get("/sync/failed", h.ListFailed)
	})
	r.Get("/sync/status", h.GetStatus)
	r.Post("/sync", h.SyncAll)
	r.Delete("/cache", h.Reset)
	r.Get("/connectivity", h.GetConnectivity)
	r.Put("/connectivity", h.SetConnectivity)
}

func entityParam(r *http.Request) (models.EntityType, error) {
	return models.ParseEntityType(chi.URLParam(r, "entity"))
}

// =====================================================
// Entity Endpoints
// =====================================================

// SaveEntity handles PUT /api/users/{userID}/entities/{entity}.
// The body is the entity's JSON payload. Responds 200 when synced and 202
// when the mutation was queued.
func (h *SyncHandler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "failed to read body", err))
		return
	}
	if len(body) > maxPayloadBytes {
		writeError(w, errors.New(errors.ErrInvalid, "payload too large"))
		return
	}
	if !json.Valid(body) {
		writeError(w, errors.New(errors.ErrInvalid, "payload is not valid JSON"))
		return
	}

	result, err := h.engine.Save(r.Context(), entity, chi.URLParam(r, "userID"), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if result.Queued {
		code = http.StatusAccepted
		h.pushStatus(r)
	}
	writeJSON(w, code, result)
}

// LoadEntity handles GET /api/users/{userID}/entities/{entity}.
func (h *SyncHandler) LoadEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.Load(r.Context(), entity, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Found {
		writeError(w, errors.New(errors.ErrNotFound, string(entity)+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =====================================================
// Sync Endpoints
// =====================================================

// SyncUser handles POST /api/users/{userID}/sync ("sync now").
func (h *SyncHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	h.syncNow(w, r, chi.URLParam(r, "userID"))
}

// SyncAll handles POST /api/sync and drains every user.
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	h.syncNow(w, r, "")
}

func (h *SyncHandler) syncNow(w http.ResponseWriter, r *http.Request, userID string) {
	result, err := h.scheduler.SyncNow(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.pushStatus(r)
	writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /api/users/{userID}/sync/retry, the "sync
// failed, try again" action.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	requeued, result, err := h.engine.RetryFailed(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.pushStatus(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": requeued,
		"drain":    result,
	})
}

// ListFailed handles GET /api/users/{userID}/sync/failed.
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.engine.Queue().ListByStatus(r.Context(), chi.URLParam(r, "userID"), models.QueueStatusFailed)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.QueueOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// =====================================================
// Status Endpoints
// =====================================================

// StatusResponse is returned by GET /api/sync/status.
type StatusResponse struct {
	models.SyncStatusSnapshot
	Online    bool                      `json:"online"`
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.reporter.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		SyncStatusSnapshot: snapshot,
		Online:             h.engine.Online(),
		Scheduler:          h.scheduler.GetStatus(),
	})
}

// UserStatus handles GET /api/users/{userID}/sync/status.
func (h *SyncHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.reporter.StatusForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Reset handles DELETE /api/cache and clears local data.
func (h *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.pushStatus(r)
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Connectivity Endpoints
// =====================================================

// GetConnectivity handles GET /api/connectivity.
func (h *SyncHandler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": h.engine.Online(),
		"manual": h.override != nil,
	})
}

// SetConnectivity handles PUT /api/connectivity with {"online": bool}.
// It is only available when no reachability probe drives the monitor.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.override == nil {
		writeError(w, errors.New(errors.ErrInvalid, "connectivity is probed and cannot be set"))
		return
	}

	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "body must be {\"online\": bool}"))
		return
	}

	h.override.Set(*request.Online)
	logging.Info("Connectivity set manually", map[string]interface{}{"online": *request.Online})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"online": *request.Online})
}

func (h *SyncHandler) pushStatus(r *http.Request) {
	if h.wsHub == nil {
		return
	}
	snapshot, err := h.reporter.Status(r.Context())
	if err != nil {
		logging.Warn("Failed to read status for broadcast", map[string]interface{}{"error": err.Error()})
		return
	}
	h.wsHub.BroadcastStatus(snapshot)
}
