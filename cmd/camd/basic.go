package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dashkit/camd/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewPowerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "power",
		Short:   "Show a fresh battery reading",
		GroupID: gBasic,
		Long:    `Ask the daemon for a fresh reading from the UPS telemetry source.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reading, err := newAPIClient().GetPower()
			if err != nil {
				return fmt.Errorf("failed to get power reading: %w", err)
			}

			cmd.Printf("Charge: %s\n", bold("%d%%", reading.BatteryPercent))
			cmd.Printf("Battery voltage: %s\n", bold("%d mV", reading.BatteryVoltage))
			cmd.Printf("Input voltage: %s\n", bold("%d mV", reading.InputVoltage))
			cmd.Printf("Output voltage: %s\n", bold("%d mV", reading.OutputVoltage))
			cmd.Printf("Output current: %s\n", bold("%d mA", reading.OutputCurrent))
			cmd.Printf("Output power: %s\n", bold("%.1f W", reading.OutputPower))
			cmd.Printf("On external power: %s\n", bool2Text(reading.ACPresent))
			return nil
		},
	}
}

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		Short:   "Show the daemon's loaded configuration",
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := newAPIClient().GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			b, err := json.MarshalIndent(conf, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			cmd.Println(string(b))
			return nil
		},
	}
}

func NewTransferCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "transfer",
		Short:   "Force a transfer now",
		GroupID: gBasic,
		Long: `Force a transfer outside the regular poll cadence.

The daemon still refuses if the battery is below the disconnect
threshold on battery power, or if a transfer is already running.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			res, err := newAPIClient().ForceTransfer()
			if err != nil {
				return fmt.Errorf("failed to request transfer: %w", err)
			}

			if !res.Accepted {
				return fmt.Errorf("transfer refused: %s", res.Reason)
			}
			if res.Reason != "" {
				logrus.Warnf("transfer finished with a problem: %s", res.Reason)
				return nil
			}
			logrus.Infof("transfer completed")
			return nil
		},
	}
}
