// Package power reads UPS telemetry and normalizes it into a Reading.
// Readers never retry internally; the orchestration loop decides what a
// failed read means.
package power

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Reading is an immutable snapshot of the UPS state, created fresh each
// poll and discarded after the tick.
type Reading struct {
	BatteryVoltage     int       `json:"battery_voltage_mv"`
	BatteryPercent     int       `json:"battery_percent"`
	InputVoltage       int       `json:"input_voltage_mv"`
	OutputVoltage      int       `json:"output_voltage_mv"`
	OutputCurrent      int       `json:"output_current_ma"`
	OutputPower        float64   `json:"output_power_w"`
	ACPresent          bool      `json:"ac_present"`
	WakeTimerRemaining int       `json:"wake_timer_remaining"`
	AutoShutdownTime   int       `json:"auto_shutdown_time"`
	Timestamp          time.Time `json:"timestamp"`
}

// LogrusFields returns the reading as structured log fields, so every tick
// decision can be reconstructed from the log alone.
func (r Reading) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"batteryVoltageMv": r.BatteryVoltage,
		"batteryPercent":   r.BatteryPercent,
		"inputVoltageMv":   r.InputVoltage,
		"outputPowerW":     r.OutputPower,
		"acPresent":        r.ACPresent,
	}
}

// voltageStep maps a LiFePO4 cell voltage floor (millivolts) to a charge
// percentage. Deliberately coarse and hysteresis-free; callers must
// tolerate reading noise around the edges.
type voltageStep struct {
	MinMillivolts int
	Percent       int
}

var voltageCurve = []voltageStep{
	{3650, 100},
	{3600, 95},
	{3550, 90},
	{3500, 80},
	{3450, 70},
	{3400, 60},
	{3350, 50},
	{3300, 40},
	{3250, 30},
	{3200, 20},
	{3100, 10},
}

// VoltageToPercent converts a battery voltage in millivolts to a charge
// percentage using the descending step table. The highest threshold at or
// below the reading wins; anything under the table floor reads as 5%.
func VoltageToPercent(mv int) int {
	for _, step := range voltageCurve {
		if mv >= step.MinMillivolts {
			return step.Percent
		}
	}
	return 5
}

// Reader produces one Reading per call.
type Reader interface {
	Read() (Reading, error)
}
