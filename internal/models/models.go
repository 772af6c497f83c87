package models

import "time"

// Device represents one monitored air-conditioning unit (or other appliance)
// in a room of the building.
type Device struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Floor     string  `json:"floor"`
	Type      string  `json:"type,omitempty"`
	PowerW    float64 `json:"power_w"`
	Voltage   float64 `json:"voltage"`
	CurrentA  float64 `json:"current_a"`
	EnergyKWh float64 `json:"energy_kwh"`
	Cost      float64 `json:"cost"`
	CarbonG   float64 `json:"carbon_g"`
	On        bool    `json:"on"`
}

// Rates holds the fixed conversion constants used to derive device metrics.
type Rates struct {
	TariffPerKWh   float64 `json:"tariff_per_kwh" yaml:"tariff_per_kwh"`
	CarbonGPerKWh  float64 `json:"carbon_g_per_kwh" yaml:"carbon_g_per_kwh"`
	NominalVoltage float64 `json:"nominal_voltage" yaml:"nominal_voltage"`
}

// DefaultRates are the tariff (8.5 per kWh), emission factor (500 gCO2 per
// kWh) and supply voltage (220 V) of the building.
var DefaultRates = Rates{
	TariffPerKWh:   8.5,
	CarbonGPerKWh:  500,
	NominalVoltage: 220,
}

// ValidDeviceTypes is the set of allowed device type values for manually
// added devices.
var ValidDeviceTypes = map[string]bool{
	"AC":       true,
	"Light":    true,
	"Computer": true,
	"Other":    true,
}

// NewDevice builds a device that has not accrued any usage yet. Voltage comes
// from rates and all derived fields are filled in.
func NewDevice(id, name, floor, kind string, powerW float64, on bool, rates Rates) Device {
	d := Device{
		ID:      id,
		Name:    name,
		Floor:   floor,
		Type:    kind,
		PowerW:  powerW,
		Voltage: rates.NominalVoltage,
		On:      on,
	}
	d.Derive(rates)
	return d
}

// Derive recomputes CurrentA, Cost and CarbonG from PowerW, Voltage and
// EnergyKWh.
func (d *Device) Derive(rates Rates) {
	if d.Voltage != 0 {
		d.CurrentA = d.PowerW / d.Voltage
	} else {
		d.CurrentA = 0
	}
	d.Cost = d.EnergyKWh * rates.TariffPerKWh
	d.CarbonG = d.EnergyKWh * rates.CarbonGPerKWh
}

// Summary aggregates a set of devices.
type Summary struct {
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	TotalCost      float64 `json:"total_cost"`
	TotalCarbonG   float64 `json:"total_carbon_g"`
	ActiveCount    int     `json:"active_count"`
	TotalCount     int     `json:"total_count"`
}

// Summarize sums energy, cost and carbon over devices and counts the ones
// switched on.
func Summarize(devices []Device) Summary {
	var s Summary
	for _, d := range devices {
		s.TotalEnergyKWh += d.EnergyKWh
		s.TotalCost += d.Cost
		s.TotalCarbonG += d.CarbonG
		if d.On {
			s.ActiveCount++
		}
	}
	s.TotalCount = len(devices)
	return s
}

// Operator actions recorded in the audit log.
const (
	ActionStatusOn  = "status_on"
	ActionStatusOff = "status_off"
	ActionAdd       = "add"
	ActionDelete    = "delete"
	ActionSchedule  = "schedule"
)

// Event is a single operator action against a session's registry.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Floor     string    `json:"floor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusAction returns the audit action for switching a device on or off.
func StatusAction(on bool) string {
	if on {
		return ActionStatusOn
	}
	return ActionStatusOff
}
