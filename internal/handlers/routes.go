package handlers

import "net/http"

// Route binds a method-qualified ServeMux pattern to a handler.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

// Routes lists every session-scoped route: the JSON API and the HTML
// dashboard. They all expect the session middleware in front of them.
func (h *Handler) Routes() []Route {
	return []Route{
		// JSON API
		{"GET /api/v1/building", h.GetBuilding},
		{"GET /api/v1/devices", h.ListDevices},
		{"POST /api/v1/devices", h.CreateDevice},
		{"GET /api/v1/devices/{id}", h.GetDevice},
		{"PUT /api/v1/devices/{id}/status", h.SetDeviceStatus},
		{"DELETE /api/v1/devices/{id}", h.DeleteDevice},
		{"POST /api/v1/devices/{id}/schedule", h.ScheduleDevice},
		{"GET /api/v1/devices/{id}/series/hourly", h.HourlySeries},
		{"GET /api/v1/devices/{id}/series/daily", h.DailySeries},
		{"GET /api/v1/summary", h.Summary},
		{"GET /api/v1/energy", h.EnergyByRoom},
		{"GET /api/v1/audit", h.ListAudit},
		{"GET /api/v1/events", h.Events},

		// Dashboard
		{"GET /{$}", h.OverviewPage},
		{"GET /rooms", h.RoomPicker},
		{"GET /rooms/{id}", h.RoomPage},
		{"POST /rooms/{id}/schedule", h.ScheduleForm},
		{"GET /devices", h.DevicesPage},
		{"POST /devices", h.AddDeviceForm},
		{"POST /devices/{id}/status", h.StatusForm},
		{"POST /devices/{id}/delete", h.DeleteForm},
	}
}
