package power

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/dashkit/camd/pkg/execx"
)

// ErrUnavailable is returned when the telemetry source is unreachable or
// its output is missing required keys.
var ErrUnavailable = pkgerrors.New("power reader unavailable")

// Format of the telemetry CLI output.
const (
	FormatKV   = "kv"
	FormatJSON = "json"
)

// CLIReader shells out to the UPS telemetry CLI and parses its output.
type CLIReader struct {
	Runner  execx.Runner
	Command string
	Args    []string
	Format  string
	// Timeout bounds a single CLI invocation.
	Timeout time.Duration
	now     func() time.Time
}

var _ Reader = &CLIReader{}

// NewCLIReader builds a reader for the given command line, e.g.
// "lifepo4wered-cli get".
func NewCLIReader(command, format string, runner execx.Runner) *CLIReader {
	name, args := execx.Split(command)
	return &CLIReader{
		Runner:  runner,
		Command: name,
		Args:    args,
		Format:  format,
		Timeout: 10 * time.Second,
		now:     time.Now,
	}
}

func (r *CLIReader) Read() (Reading, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	out, err := r.Runner.Run(ctx, r.Command, r.Args...)
	if err != nil {
		return Reading{}, pkgerrors.Wrapf(ErrUnavailable, "telemetry command failed: %v", err)
	}

	var reading Reading
	switch r.Format {
	case FormatJSON:
		reading, err = parseJSON(out)
	default:
		reading, err = parseKV(out)
	}
	if err != nil {
		return Reading{}, err
	}

	reading.Timestamp = r.now()
	return reading, nil
}

// requiredKeys are the KEY = VALUE entries a reading cannot be built
// without. WAKE_TIME and AUTO_SHDN_TIME are optional extras.
var requiredKeys = []string{"VIN", "VBAT", "VOUT", "IOUT", "VIN_THRESHOLD"}

// parseKV parses lifepo4wered-cli style "KEY = VALUE" lines. Values are
// millivolts/milliamps.
func parseKV(out []byte) (Reading, error) {
	kv := make(map[string]int)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		kv[strings.TrimSpace(key)] = n
	}

	for _, key := range requiredKeys {
		if _, ok := kv[key]; !ok {
			return Reading{}, pkgerrors.Wrapf(ErrUnavailable, "telemetry output missing key %s", key)
		}
	}

	reading := Reading{
		BatteryVoltage:     kv["VBAT"],
		BatteryPercent:     VoltageToPercent(kv["VBAT"]),
		InputVoltage:       kv["VIN"],
		OutputVoltage:      kv["VOUT"],
		OutputCurrent:      kv["IOUT"],
		ACPresent:          kv["VIN"] >= kv["VIN_THRESHOLD"],
		WakeTimerRemaining: kv["WAKE_TIME"],
		AutoShutdownTime:   kv["AUTO_SHDN_TIME"],
	}
	reading.OutputPower = float64(reading.OutputVoltage) / 1000.0 * float64(reading.OutputCurrent) / 1000.0
	return reading, nil
}

// jsonSurface is the alternate JSON telemetry format. Voltages and
// currents are in volts/amps here, unlike the KV surface.
type jsonSurface struct {
	BatteryVoltage     float64 `json:"battery_voltage"`
	BatteryPercent     *int    `json:"battery_percent"`
	InputVoltage       float64 `json:"input_voltage"`
	OutputVoltage      float64 `json:"output_voltage"`
	OutputCurrent      float64 `json:"output_current"`
	OutputPower        float64 `json:"output_power"`
	ACPresent          *bool   `json:"ac_present"`
	PiRunning          int     `json:"pi_running"`
	WakeTimerRemaining int     `json:"wake_timer_remaining"`
	AutoShutdownTime   int     `json:"auto_shutdown_time"`
}

// acInputFloor is the input voltage above which AC is considered present
// when the JSON surface does not carry an explicit flag.
const acInputFloor = 4.5

func parseJSON(out []byte) (Reading, error) {
	var s jsonSurface
	if err := json.Unmarshal(out, &s); err != nil {
		return Reading{}, pkgerrors.Wrapf(ErrUnavailable, "telemetry output not JSON: %v", err)
	}
	if s.BatteryVoltage == 0 {
		return Reading{}, pkgerrors.Wrap(ErrUnavailable, "telemetry output missing battery_voltage")
	}

	reading := Reading{
		BatteryVoltage:     int(s.BatteryVoltage * 1000),
		InputVoltage:       int(s.InputVoltage * 1000),
		OutputVoltage:      int(s.OutputVoltage * 1000),
		OutputCurrent:      int(s.OutputCurrent * 1000),
		OutputPower:        s.OutputPower,
		WakeTimerRemaining: s.WakeTimerRemaining,
		AutoShutdownTime:   s.AutoShutdownTime,
	}
	if s.BatteryPercent != nil {
		reading.BatteryPercent = *s.BatteryPercent
	} else {
		reading.BatteryPercent = VoltageToPercent(reading.BatteryVoltage)
	}
	if s.ACPresent != nil {
		reading.ACPresent = *s.ACPresent
	} else {
		reading.ACPresent = s.InputVoltage >= acInputFloor
	}
	if reading.OutputPower == 0 {
		reading.OutputPower = s.OutputVoltage * s.OutputCurrent
	}
	return reading, nil
}
