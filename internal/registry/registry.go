// Package registry holds the in-memory set of device records owned by one
// dashboard session.
//
// The registry is a single flat mapping from device id to record. Floor
// grouping is a filter applied at query time. All methods are safe for
// concurrent use; returned devices are copies.
package registry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/tphummel/building_energy/internal/building"
	"github.com/tphummel/building_energy/internal/models"
)

var (
	// ErrInvalidDevice is returned by Add when a required field is missing
	// or a metric is negative.
	ErrInvalidDevice = errors.New("registry: invalid device")

	// ErrDeviceExists is returned by Add when the id is already registered.
	ErrDeviceExists = errors.New("registry: device already exists")
)

// Ranges for synthetic generation. Power is an integer wattage in
// [minPowerW, maxPowerW]; energy is in [minEnergyKWh, maxEnergyKWh).
const (
	minPowerW    = 800
	maxPowerW    = 2000
	minEnergyKWh = 5.0
	maxEnergyKWh = 25.0
)

// Registry is the authoritative set of device records for a session.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	order   []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]*models.Device)}
}

// NewRand returns the random source used by Generate. A nil seed yields a
// randomly seeded source; a non-nil seed makes generation reproducible.
func NewRand(seed *uint64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(*seed, *seed))
}

// Generate builds a registry with one synthetic record per room of s, keyed
// by the room name with whitespace removed. Energy is truncated to two
// decimals before cost and carbon are derived from it.
func Generate(s building.Structure, rates models.Rates, rng *rand.Rand) *Registry {
	r := &Registry{devices: make(map[string]*models.Device, s.RoomCount())}
	for _, f := range s {
		for _, room := range f.Rooms {
			d := &models.Device{
				ID:        building.NormalizeID(room),
				Name:      room,
				Floor:     f.Name,
				PowerW:    float64(minPowerW + rng.IntN(maxPowerW-minPowerW+1)),
				Voltage:   rates.NominalVoltage,
				EnergyKWh: math.Floor((minEnergyKWh+rng.Float64()*(maxEnergyKWh-minEnergyKWh))*100) / 100,
				On:        rng.IntN(2) == 1,
			}
			d.Derive(rates)
			r.put(d)
		}
	}
	return r
}

func (r *Registry) put(d *models.Device) {
	if _, ok := r.devices[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.devices[d.ID] = d
}

// Get returns the device with the given id. The boolean is false when no
// such device exists.
func (r *Registry) Get(id string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	return *d, true
}

// SetStatus switches the device on or off and returns the updated copy. It
// returns false, leaving the registry untouched, when id is unknown.
func (r *Registry) SetStatus(id string, on bool) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	d.On = on
	return *d, true
}

// Add inserts a fully formed device. Existing records are never
// overwritten: a duplicate id yields ErrDeviceExists and a missing id or
// name, or negative or non-finite metrics, yield ErrInvalidDevice.
func (r *Registry) Add(d models.Device) error {
	if err := validate(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDeviceExists, d.ID)
	}
	r.put(&d)
	return nil
}

func validate(d models.Device) error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	case d.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	case !nonNegative(d.PowerW):
		return fmt.Errorf("%w: power must be a non-negative number", ErrInvalidDevice)
	case !nonNegative(d.EnergyKWh):
		return fmt.Errorf("%w: energy must be a non-negative number", ErrInvalidDevice)
	}
	return nil
}

// nonNegative rejects NaN and infinities along with negative values.
func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Delete removes the device and reports whether it was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns a snapshot of all devices in insertion order.
func (r *Registry) List() []models.Device {
	return r.filter(func(*models.Device) bool { return true })
}

// ListByFloor returns the devices on floor in insertion order.
func (r *Registry) ListByFloor(floor string) []models.Device {
	return r.filter(func(d *models.Device) bool { return d.Floor == floor })
}

func (r *Registry) filter(keep func(*models.Device) bool) []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Device, 0, len(r.order))
	for _, id := range r.order {
		if d := r.devices[id]; keep(d) {
			out = append(out, *d)
		}
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Aggregate sums energy, cost and carbon over the current records and
// counts active devices. It is recomputed on every call.
func (r *Registry) Aggregate() models.Summary {
	return models.Summarize(r.List())
}
