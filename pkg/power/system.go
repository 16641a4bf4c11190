package power

import (
	"math"
	"time"

	"github.com/distatus/battery"
	pkgerrors "github.com/pkg/errors"
)

// SystemReader reads the host battery through the OS instead of the UPS
// CLI. It exists so the daemon can be exercised on a bench machine
// without the UPS HAT attached (power.source = "system").
type SystemReader struct {
	now func() time.Time
}

var _ Reader = &SystemReader{}

func NewSystemReader() *SystemReader {
	return &SystemReader{now: time.Now}
}

func (r *SystemReader) Read() (Reading, error) {
	bat, err := battery.Get(0)
	if err != nil {
		return Reading{}, pkgerrors.Wrapf(ErrUnavailable, "host battery query failed: %v", err)
	}

	percent := 0
	if bat.Full > 0 {
		percent = int(math.Round(bat.Current / bat.Full * 100))
	}

	return Reading{
		BatteryVoltage: int(bat.Voltage * 1000),
		BatteryPercent: percent,
		OutputPower:    bat.ChargeRate / 1000,
		ACPresent:      bat.State != battery.Discharging,
		Timestamp:      r.now(),
	}, nil
}
