package power

import (
	"context"
	"errors"
	"testing"
)

func TestVoltageToPercent(t *testing.T) {
	tests := []struct {
		name string
		mv   int
		want int
	}{
		{name: "well above table top", mv: 4200, want: 100},
		{name: "exactly 3650", mv: 3650, want: 100},
		{name: "just under 3650", mv: 3649, want: 95},
		{name: "exactly 3600", mv: 3600, want: 95},
		{name: "just under 3600", mv: 3599, want: 90},
		{name: "exactly 3550", mv: 3550, want: 90},
		{name: "exactly 3500", mv: 3500, want: 80},
		{name: "exactly 3450", mv: 3450, want: 70},
		{name: "exactly 3400", mv: 3400, want: 60},
		{name: "exactly 3350", mv: 3350, want: 50},
		{name: "exactly 3300", mv: 3300, want: 40},
		{name: "exactly 3250", mv: 3250, want: 30},
		{name: "exactly 3200", mv: 3200, want: 20},
		{name: "exactly 3100", mv: 3100, want: 10},
		{name: "just under 3100", mv: 3099, want: 5},
		{name: "deeply discharged", mv: 2800, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VoltageToPercent(tt.mv); got != tt.want {
				t.Errorf("VoltageToPercent(%d) = %d, want %d", tt.mv, got, tt.want)
			}
		})
	}
}

type fakeRunner struct {
	out []byte
	err error
}

func (f fakeRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return f.out, f.err
}

const kvOutput = `I2C_REG_VER = 7
VIN = 5208
VBAT = 3611
VOUT = 4979
IOUT = 857
VIN_THRESHOLD = 4498
WAKE_TIME = 0
AUTO_SHDN_TIME = 65535
PI_RUNNING = 1
`

func TestCLIReaderKV(t *testing.T) {
	r := NewCLIReader("lifepo4wered-cli get", FormatKV, fakeRunner{out: []byte(kvOutput)})

	reading, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reading.BatteryVoltage != 3611 {
		t.Errorf("BatteryVoltage = %d, want 3611", reading.BatteryVoltage)
	}
	if reading.BatteryPercent != 95 {
		t.Errorf("BatteryPercent = %d, want 95", reading.BatteryPercent)
	}
	if !reading.ACPresent {
		t.Error("ACPresent = false, want true (VIN above threshold)")
	}
	if reading.AutoShutdownTime != 65535 {
		t.Errorf("AutoShutdownTime = %d, want 65535", reading.AutoShutdownTime)
	}
	wantPower := 4.979 * 0.857
	if diff := reading.OutputPower - wantPower; diff > 0.001 || diff < -0.001 {
		t.Errorf("OutputPower = %v, want ~%v", reading.OutputPower, wantPower)
	}
	if reading.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestCLIReaderKVOnBattery(t *testing.T) {
	out := `VIN = 120
VBAT = 3340
VOUT = 4990
IOUT = 400
VIN_THRESHOLD = 4498
`
	r := NewCLIReader("lifepo4wered-cli get", FormatKV, fakeRunner{out: []byte(out)})
	reading, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reading.ACPresent {
		t.Error("ACPresent = true, want false (VIN below threshold)")
	}
	if reading.BatteryPercent != 40 {
		t.Errorf("BatteryPercent = %d, want 40", reading.BatteryPercent)
	}
}

func TestCLIReaderFailures(t *testing.T) {
	tests := []struct {
		name   string
		format string
		runner fakeRunner
	}{
		{
			name:   "command error",
			format: FormatKV,
			runner: fakeRunner{err: errors.New("exec: not found")},
		},
		{
			name:   "missing required key",
			format: FormatKV,
			runner: fakeRunner{out: []byte("VIN = 5000\nVBAT = 3500\n")},
		},
		{
			name:   "garbage output",
			format: FormatKV,
			runner: fakeRunner{out: []byte("segmentation fault")},
		},
		{
			name:   "not json",
			format: FormatJSON,
			runner: fakeRunner{out: []byte("{truncated")},
		},
		{
			name:   "json missing battery voltage",
			format: FormatJSON,
			runner: fakeRunner{out: []byte(`{"input_voltage": 5.2}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCLIReader("lifepo4wered-cli get", tt.format, tt.runner)
			_, err := r.Read()
			if err == nil {
				t.Fatal("Read() expected error, got nil")
			}
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("Read() error = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestCLIReaderJSON(t *testing.T) {
	out := `{
  "battery_voltage": 3.611,
  "battery_percent": 95,
  "input_voltage": 5.208,
  "output_voltage": 4.979,
  "output_current": 0.857,
  "output_power": 4.267,
  "pi_running": 1,
  "wake_timer_remaining": 0,
  "auto_shutdown_time": 65535
}`
	r := NewCLIReader("battery-info.sh", FormatJSON, fakeRunner{out: []byte(out)})
	reading, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reading.BatteryVoltage != 3611 {
		t.Errorf("BatteryVoltage = %d, want 3611", reading.BatteryVoltage)
	}
	if reading.BatteryPercent != 95 {
		t.Errorf("BatteryPercent = %d, want 95", reading.BatteryPercent)
	}
	if !reading.ACPresent {
		t.Error("ACPresent = false, want true (input voltage above floor)")
	}
	if reading.OutputPower != 4.267 {
		t.Errorf("OutputPower = %v, want 4.267", reading.OutputPower)
	}
}

func TestCLIReaderJSONDerivedPercent(t *testing.T) {
	out := `{"battery_voltage": 3.34, "input_voltage": 0.1}`
	r := NewCLIReader("battery-info.sh", FormatJSON, fakeRunner{out: []byte(out)})
	reading, err := r.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reading.BatteryPercent != 40 {
		t.Errorf("BatteryPercent = %d, want 40 (derived from curve)", reading.BatteryPercent)
	}
	if reading.ACPresent {
		t.Error("ACPresent = true, want false")
	}
}
