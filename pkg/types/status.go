// Package types holds the JSON payloads shared between the daemon API
// and its clients.
package types

import (
	"time"

	"github.com/dashkit/camd/pkg/power"
	"github.com/dashkit/camd/pkg/transfer"
)

// Status is the daemon's view of the world after the most recent tick.
type Status struct {
	CameraState string         `json:"camera_state"`
	LastAction  string         `json:"last_action"`
	LastError   string         `json:"last_error,omitempty"`
	LastReading *power.Reading `json:"last_reading,omitempty"`
	Reachable   bool           `json:"reachable"`
	TickCount   uint64         `json:"tick_count"`
	// Session is the in-flight transfer session, if any.
	Session   *transfer.Session `json:"session,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TransferRequest is the response to a forced transfer attempt.
type TransferRequest struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
