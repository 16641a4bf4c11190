package daemon

import (
	"github.com/dashkit/camd/pkg/config"
	"github.com/dashkit/camd/pkg/power"
)

// CameraState is the single owned state of the camera. It is updated only
// after the corresponding hardware call succeeds; there is no separate
// "desired" state to diverge from.
type CameraState int

const (
	// CameraUnknown means a controller call partially failed and the
	// hardware may not match anything we commanded. Cleared by the next
	// successful controller call.
	CameraUnknown CameraState = iota
	// CameraRecording: port powered, data connection deauthorized.
	CameraRecording
	// CameraDataMode: port powered, data connection authorized, camera
	// enumerates as mass storage and stops recording.
	CameraDataMode
	// CameraDisconnected: port power cut.
	CameraDisconnected
)

func (s CameraState) String() string {
	switch s {
	case CameraRecording:
		return "recording"
	case CameraDataMode:
		return "data-mode"
	case CameraDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Action is what one poll tick decided to do.
type Action int

const (
	ActionStayRecording Action = iota
	ActionTransfer
	ActionDisconnect
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionTransfer:
		return "transfer"
	case ActionDisconnect:
		return "disconnect"
	case ActionShutdown:
		return "shutdown"
	default:
		return "stay-recording"
	}
}

// Decide maps one power reading and a reachability probe to a single
// action. Precedence is strict top-to-bottom: Shutdown dominates
// Disconnect dominates Transfer dominates StayRecording. With AC present
// the battery thresholds are ignored entirely.
func Decide(reading power.Reading, reachable bool, t config.ThresholdsConfig) Action {
	if reading.ACPresent {
		if reachable {
			return ActionTransfer
		}
		return ActionStayRecording
	}

	switch {
	case reading.BatteryPercent < t.ShutdownPercent:
		return ActionShutdown
	case reading.BatteryPercent < t.DisconnectPercent:
		return ActionDisconnect
	case reachable:
		return ActionTransfer
	default:
		return ActionStayRecording
	}
}
