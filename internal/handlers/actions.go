package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tphummel/building_energy/internal/metrics"
	"github.com/tphummel/building_energy/internal/models"
	"github.com/tphummel/building_energy/internal/registry"
	"github.com/tphummel/building_energy/internal/session"
)

var (
	errDeviceNotFound = errors.New("device not found")
	errInvalidType    = fmt.Errorf("%w: type must be one of AC, Light, Computer, Other", registry.ErrInvalidDevice)
	errInvalidTime    = errors.New("times must be HH:MM")
)

const defaultDeviceType = "AC"

// addRequest is the body of POST /api/v1/devices and the add-device form.
type addRequest struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Floor  string  `json:"floor"`
	Type   string  `json:"type"`
	PowerW float64 `json:"power_w"`
	On     bool    `json:"on"`
}

// scheduleRequest is the body of POST /api/v1/devices/{id}/schedule.
type scheduleRequest struct {
	OnAt  string `json:"on_at"`
	OffAt string `json:"off_at"`
}

// scheduleResult acknowledges a schedule. Nothing is ever triggered by it.
type scheduleResult struct {
	DeviceID string `json:"device_id"`
	OnAt     string `json:"on_at"`
	OffAt    string `json:"off_at"`
	Status   string `json:"status"`
}

// errorStatus maps an action error to its HTTP status and counts the
// rejection.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errDeviceNotFound):
		metrics.ObserveRejection(metrics.ReasonNotFound)
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDeviceExists):
		metrics.ObserveRejection(metrics.ReasonDuplicate)
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidDevice), errors.Is(err, errInvalidTime):
		metrics.ObserveRejection(metrics.ReasonInvalid)
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) setStatus(ctx context.Context, s *session.Session, id string, on bool) (models.Device, error) {
	d, ok := s.Registry.SetStatus(id, on)
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %q", errDeviceNotFound, id)
	}
	h.emit(ctx, s, d.ID, d.Floor, models.StatusAction(on), "")
	h.logger().Info("device status changed", "session_id", s.ID, "device_id", id, "on", on)
	return d, nil
}

func (h *Handler) addDevice(ctx context.Context, s *session.Session, req addRequest) (models.Device, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.Floor = strings.TrimSpace(req.Floor)
	if req.Type == "" {
		req.Type = defaultDeviceType
	}
	if !models.ValidDeviceTypes[req.Type] {
		return models.Device{}, errInvalidType
	}

	d := models.NewDevice(req.ID, req.Name, req.Floor, req.Type, req.PowerW, req.On, h.Rates)
	if err := s.Registry.Add(d); err != nil {
		return models.Device{}, err
	}
	h.emit(ctx, s, d.ID, d.Floor, models.ActionAdd, d.Name)
	h.logger().Info("device added", "session_id", s.ID, "device_id", d.ID, "floor", d.Floor)
	return d, nil
}

func (h *Handler) deleteDevice(ctx context.Context, s *session.Session, id string) error {
	d, ok := s.Registry.Get(id)
	if !ok || !s.Registry.Delete(id) {
		return fmt.Errorf("%w: %q", errDeviceNotFound, id)
	}
	h.emit(ctx, s, d.ID, d.Floor, models.ActionDelete, d.Name)
	h.logger().Info("device deleted", "session_id", s.ID, "device_id", id)
	return nil
}

// schedule validates and audits an on/off schedule. The registry is left
// untouched and no timer is started.
func (h *Handler) schedule(ctx context.Context, s *session.Session, id string, req scheduleRequest) (scheduleResult, error) {
	d, ok := s.Registry.Get(id)
	if !ok {
		return scheduleResult{}, fmt.Errorf("%w: %q", errDeviceNotFound, id)
	}
	onAt, err := parseClock(req.OnAt)
	if err != nil {
		return scheduleResult{}, err
	}
	offAt, err := parseClock(req.OffAt)
	if err != nil {
		return scheduleResult{}, err
	}

	h.emit(ctx, s, d.ID, d.Floor, models.ActionSchedule, fmt.Sprintf("on %s off %s", onAt, offAt))
	return scheduleResult{DeviceID: d.ID, OnAt: onAt, OffAt: offAt, Status: "accepted"}, nil
}

// parseClock normalizes an HH:MM time of day.
func parseClock(s string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", errInvalidTime, s)
	}
	return t.Format("15:04"), nil
}
