// Command uwb drives a set of UWB ranging modules over serial: it streams
// distance reports, solves tag positions, calibrates antenna delays and
// provisions the modules.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

var (
	logLevel   = "info"
	configPath = config.DefaultConfigPath
)

var (
	gRun       = "Ranging:"
	gDevices   = "Devices:"
	gMaintain  = "Maintenance:"
	cmdGroups  = []string{gRun, gDevices, gMaintain}
	errNoInput = errors.New("no devices given; use --device, --serial-number or the devices section of the config")
)

func handleCmdError(err error) {
	switch {
	case errors.Is(err, calibration.ErrAborted):
		fmt.Fprintln(os.Stderr, "\nError: calibration did not converge")
		fmt.Fprintln(os.Stderr, "  - Check that the tag sits at the target distance from the anchor")
		fmt.Fprintln(os.Stderr, "  - Or raise calibration.max_iterations / tolerance_cm in the config")
	case errors.Is(err, pipeline.ErrAllChannelsFailed):
		fmt.Fprintln(os.Stderr, "\nError: every device channel failed")
		fmt.Fprintln(os.Stderr, "  - Are the modules plugged in? Try 'uwb devices'")
	case errors.Is(err, errNoInput):
		fmt.Fprintln(os.Stderr, "\nError: no devices configured")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

// NewCommand builds the root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uwb",
		Short: "uwb locates a tag from UWB two-way ranging modules",
		Long: `uwb locates a tag from UWB two-way ranging modules.

Module 0 is the initiator; every other module is a responder. Distance
reports are collected from all of them and turned into logs, statistics,
position fixes or an antenna delay calibration.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return monitoring.UseLogrus(logLevel)
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error)")
	globalFlags.StringVarP(&configPath, "config", "c", configPath, "config file path")

	for _, g := range cmdGroups {
		cmd.AddGroup(&cobra.Group{ID: g, Title: g})
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewDevicesCommand(),
		NewSetupCommand(),
		NewSetCalibrationCommand(),
		NewMigrateCommand(),
		NewVersionCommand(),
	)
	return cmd
}
