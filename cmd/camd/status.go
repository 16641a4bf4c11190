package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dashkit/camd/pkg/client"
	"github.com/dashkit/camd/pkg/power"
	"github.com/dashkit/camd/pkg/types"
)

type statusData struct {
	status  *types.Status
	reading *power.Reading
}

func newAPIClient() *client.Client {
	return client.NewClient(unixSocketPath)
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	apiClient := newAPIClient()

	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	reading, err := apiClient.GetPower()
	if err != nil {
		// The daemon is up but telemetry is down; show what we have.
		reading = st.LastReading
	}

	return &statusData{status: st, reading: reading}, nil
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of camd",
		Long:    `Get camd status: camera state, last decision, battery, and any in-flight transfer.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}
			st := data.status

			cmd.Println(bold("Camera:"))
			cmd.Printf("  State: %s\n", bold("%s", colorState(st.CameraState)))
			cmd.Printf("  Last action: %s\n", bold("%s", st.LastAction))
			if st.LastError != "" {
				cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
			}
			cmd.Printf("  Upload target reachable: %s\n", bool2Text(st.Reachable))
			cmd.Printf("  Ticks: %s\n", bold("%d", st.TickCount))

			cmd.Println()

			cmd.Println(bold("Battery:"))
			if data.reading == nil {
				cmd.Println("  No power reading available yet.")
			} else {
				r := data.reading
				cmd.Printf("  Charge: %s\n", bold("%d%%", r.BatteryPercent))
				cmd.Printf("  Battery voltage: %s\n", bold("%.2f V", float64(r.BatteryVoltage)/1000))
				cmd.Printf("  Input voltage: %s\n", bold("%.2f V", float64(r.InputVoltage)/1000))
				cmd.Printf("  Output power: %s\n", bold("%.1f W", r.OutputPower))
				cmd.Printf("  On external power: %s\n", bool2Text(r.ACPresent))
			}

			if st.Session != nil {
				cmd.Println()
				cmd.Println(bold("Transfer in progress:"))
				cmd.Printf("  Source device: %s\n", bold("%s", st.Session.SourceDevice))
				cmd.Printf("  Files copied: %s\n", bold("%d", st.Session.FilesCopied))
				cmd.Printf("  Bytes copied: %s\n", bold("%d", st.Session.BytesCopied))
			}

			return nil
		},
	}
}

func colorState(state string) string {
	switch state {
	case "recording":
		return color.GreenString(state)
	case "data-mode":
		return color.YellowString(state)
	case "disconnected":
		return color.RedString(state)
	default:
		return state
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
