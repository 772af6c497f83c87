// Package series projects a device's single synthetic reading into the time
// series shown on the room charts. Nothing here is measured; every value is
// an arithmetic function of the device record.
package series

import (
	"time"

	"github.com/tphummel/building_energy/internal/models"
)

// HoursPerDay is the number of points in an hourly profile.
const HoursPerDay = 24

// MaxDays bounds the length of a daily projection.
const MaxDays = 90

// Point is one sample of a time series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// HourlySeries is the intra-day profile of a device.
type HourlySeries struct {
	DeviceID string  `json:"device_id"`
	Power    []Point `json:"power_w"`
	Voltage  []Point `json:"voltage"`
	Current  []Point `json:"current_a"`
}

// Hourly returns one point per hour of day, starting at midnight UTC. Power
// ramps from 70% to 130% of the rated power across the day and voltage rises
// by up to 10 V above nominal on a twelve hour cycle.
func Hourly(d models.Device, day time.Time) HourlySeries {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	s := HourlySeries{
		DeviceID: d.ID,
		Power:    make([]Point, HoursPerDay),
		Voltage:  make([]Point, HoursPerDay),
		Current:  make([]Point, HoursPerDay),
	}
	for i := 0; i < HoursPerDay; i++ {
		t := start.Add(time.Duration(i) * time.Hour)
		p := d.PowerW * (0.7 + 0.6*float64(i%24)/24)
		v := d.Voltage + 10*float64(i%12)/12
		c := 0.0
		if v != 0 {
			c = p / v
		}
		s.Power[i] = Point{Time: t, Value: p}
		s.Voltage[i] = Point{Time: t, Value: v}
		s.Current[i] = Point{Time: t, Value: c}
	}
	return s
}

// DailyPoint is the projected energy and cost for one day.
type DailyPoint struct {
	Date      time.Time `json:"date"`
	Label     string    `json:"label"`
	EnergyKWh float64   `json:"energy_kwh"`
	Cost      float64   `json:"cost"`
}

// Daily projects the device's daily energy over days consecutive days from
// start on a weekly cycle between 80% and 120% of today's usage. days is
// clamped to [1, MaxDays].
func Daily(d models.Device, rates models.Rates, start time.Time, days int) []DailyPoint {
	days = min(max(days, 1), MaxDays)
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	out := make([]DailyPoint, days)
	for i := range out {
		date := first.AddDate(0, 0, i)
		e := d.EnergyKWh * (0.8 + 0.4*float64(i%7)/7)
		out[i] = DailyPoint{
			Date:      date,
			Label:     date.Format("Jan 2"),
			EnergyKWh: e,
			Cost:      e * rates.TariffPerKWh,
		}
	}
	return out
}

// RoomEnergy is one bar of the energy-by-room chart.
type RoomEnergy struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Floor     string  `json:"floor"`
	EnergyKWh float64 `json:"energy_kwh"`
}

// EnergyByRoom returns the energy bar chart data in the order given.
func EnergyByRoom(devices []models.Device) []RoomEnergy {
	out := make([]RoomEnergy, len(devices))
	for i, d := range devices {
		out[i] = RoomEnergy{ID: d.ID, Name: d.Name, Floor: d.Floor, EnergyKWh: d.EnergyKWh}
	}
	return out
}
