package main

import (
	"github.com/spf13/cobra"
)

func newWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Make a running sync --watch sync now",
		Long: `Signal the running 'wardsync sync --watch' process to start a sync cycle
immediately instead of waiting for the next poll.

Useful after bulk entry when the device has just come back online.`,
		Args: cobra.NoArgs,
		RunE: runWake,
	}
}

func runWake(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	m, err := wakeDaemon(cc.Cfg.PIDFilePath(), cc.Cfg.DeviceDBPath())
	if err != nil {
		return err
	}

	cc.Statusf("Sync requested (PID %d)\n", m.PID)

	return nil
}
