package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tphummel/building_energy/internal/building"
	"github.com/tphummel/building_energy/internal/db"
	"github.com/tphummel/building_energy/internal/models"
	"github.com/tphummel/building_energy/internal/series"
)

const dateLayout = "2006-01-02"

// defaultTrendDays is the length of the daily trend when ?days= is absent.
const defaultTrendDays = 15

type buildingResponse struct {
	Name   string             `json:"name"`
	Floors building.Structure `json:"floors"`
	Rates  models.Rates       `json:"rates"`
}

// GetBuilding handles GET /api/v1/building.
func (h *Handler) GetBuilding(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildingResponse{Name: h.BuildingName, Floors: h.Building, Rates: h.Rates})
}

// ListDevices handles GET /api/v1/devices with an optional ?floor= filter.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	if floor := r.URL.Query().Get("floor"); floor != "" {
		writeJSON(w, http.StatusOK, s.Registry.ListByFloor(floor))
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.List())
}

// CreateDevice handles POST /api/v1/devices.
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	var req addRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.addDevice(r.Context(), s, req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDevice handles GET /api/v1/devices/{id}.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	d, found := s.Registry.Get(r.PathValue("id"))
	if !found {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SetDeviceStatus handles PUT /api/v1/devices/{id}/status.
func (h *Handler) SetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	var req struct {
		On *bool `json:"on"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, "on is required")
		return
	}
	d, err := h.setStatus(r.Context(), s, r.PathValue("id"), *req.On)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDevice handles DELETE /api/v1/devices/{id}.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	if err := h.deleteDevice(r.Context(), s, r.PathValue("id")); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScheduleDevice handles POST /api/v1/devices/{id}/schedule. The schedule
// is validated and audited but never executed.
func (h *Handler) ScheduleDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.schedule(r.Context(), s, r.PathValue("id"), req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Summary handles GET /api/v1/summary with an optional ?floor= filter.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	if floor := r.URL.Query().Get("floor"); floor != "" {
		writeJSON(w, http.StatusOK, models.Summarize(s.Registry.ListByFloor(floor)))
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.Aggregate())
}

// EnergyByRoom handles GET /api/v1/energy.
func (h *Handler) EnergyByRoom(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, series.EnergyByRoom(s.Registry.List()))
}

// HourlySeries handles GET /api/v1/devices/{id}/series/hourly?date=YYYY-MM-DD.
// The date defaults to today.
func (h *Handler) HourlySeries(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	d, found := s.Registry.Get(r.PathValue("id"))
	if !found {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	day, err := h.dateParam(r, "date", h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	writeJSON(w, http.StatusOK, series.Hourly(d, day))
}

// DailySeries handles GET /api/v1/devices/{id}/series/daily?start=&days=.
// The trend defaults to the fifteen days ending today.
func (h *Handler) DailySeries(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	d, found := s.Registry.Get(r.PathValue("id"))
	if !found {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	days := defaultTrendDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > series.MaxDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}
	start, err := h.dateParam(r, "start", h.now().AddDate(0, 0, 1-days))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return
	}
	writeJSON(w, http.StatusOK, series.Daily(d, h.Rates, start, days))
}

// ListAudit handles GET /api/v1/audit?limit=, returning this session's
// actions newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	limit := db.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.DB.List(s.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Events handles GET /api/v1/events, streaming this session's actions over
// a WebSocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r)
	if !ok {
		return
	}
	s.Events.ServeWS(w, r)
}

// dateParam parses the YYYY-MM-DD query parameter name, returning def when
// it is absent.
func (h *Handler) dateParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return time.Parse(dateLayout, v)
}
