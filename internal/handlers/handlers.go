package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/building_energy/internal/building"
	"github.com/tphummel/building_energy/internal/db"
	"github.com/tphummel/building_energy/internal/models"
	"github.com/tphummel/building_energy/internal/notify"
	"github.com/tphummel/building_energy/internal/session"
)

const (
	maxBodyBytes   = 64 * 1024
	publishTimeout = 2 * time.Second
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB           *db.DB
	Notifier     notify.Publisher
	BuildingName string
	Building     building.Structure
	Rates        models.Rates
	Version      string
	Commit       string
	Logger       *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a size-limited JSON body into v, writing the error
// response itself and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// currentSession returns the session resolved by the session middleware.
func currentSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "no session")
		return nil, false
	}
	return s, true
}

// Health handles GET /healthz.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// emit records a successful mutation in the audit log, pushes it to the
// session's open views and publishes it to the configured broker. Failures
// past the registry call are logged only; the mutation already happened.
func (h *Handler) emit(ctx context.Context, s *session.Session, deviceID, floor, action, detail string) models.Event {
	ev := models.Event{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		DeviceID:  deviceID,
		Floor:     floor,
		Action:    action,
		Detail:    detail,
		CreatedAt: h.now().UTC(),
	}
	log := h.logger().With("session_id", s.ID, "device_id", deviceID, "action", action)

	if err := h.DB.Record(&ev); err != nil {
		log.Error("failed to record audit event", "error", err)
	}
	s.Events.Broadcast(ev)

	if h.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := h.Notifier.Publish(ctx, ev); err != nil {
			log.Warn("failed to publish event", "error", err)
		}
	}
	return ev
}
