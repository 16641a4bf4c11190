package events

import "encoding/json"

// Event name constants.
const (
	TickDecision      = "tick.decision"
	CameraState       = "camera.state"
	TransferStarted   = "transfer.started"
	TransferCompleted = "transfer.completed"
	TransferSkipped   = "transfer.skipped"
	UploadFailed      = "upload.failed"
	ShutdownInitiated = "shutdown.initiated"
)

// Event is a generic event from the daemon, streamed to websocket
// subscribers.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// TickDecisionEvent is the typed payload for tick.decision.
type TickDecisionEvent struct {
	Action         string `json:"action"`
	BatteryPercent int    `json:"battery_percent"`
	ACPresent      bool   `json:"ac_present"`
	Reachable      bool   `json:"reachable"`
	CameraState    string `json:"camera_state"`
	Ts             int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified type T.
// If Data is empty, it returns the zero value of T with a nil error.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
