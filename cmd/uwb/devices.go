package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/serialmux"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
)

// listPorts is swapped out in tests.
var listPorts serialmux.PortLister = serialmux.ListPorts

// provisionOptions holds the flags of the commands that write to modules.
type provisionOptions struct {
	runOptions
	yes    bool
	dryRun bool
	in     io.Reader
}

func (o *provisionOptions) addFlags(cmd *cobra.Command) {
	o.addDeviceFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "print the commands instead of sending them")
}

// confirmed asks on the terminal before a persistent change. Non-interactive
// stdin needs --yes.
func (o *provisionOptions) confirmed(out io.Writer, prompt string) (bool, error) {
	if o.yes || o.dryRun {
		return true, nil
	}
	in := o.in
	if in == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return false, fmt.Errorf("stdin is not a terminal; pass --yes to %s", prompt)
		}
		in = os.Stdin
	}
	return confirm(in, out, prompt), nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s? [y/N] ", prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// deviceLabel names module i for output.
func deviceLabel(i int, d config.DeviceConfig) string {
	if d.SerialNumber != "" {
		return fmt.Sprintf("%d (%s)", i, d.SerialNumber)
	}
	return fmt.Sprintf("%d (%s)", i, d.Path)
}

// sendSteps opens every configured module in turn and runs stepsFor(i) on
// it. With --dry-run the commands are printed instead.
func sendSteps(ctx context.Context, out io.Writer, cfg *config.Config, o *provisionOptions, stepsFor func(i int) []device.Step) error {
	if len(cfg.Devices) == 0 {
		return errNoInput
	}
	if o.dryRun {
		for i, d := range cfg.Devices {
			fmt.Fprintf(out, "%s\n", bold("module %s", deviceLabel(i, d)))
			for _, c := range device.Commands(stepsFor(i)) {
				fmt.Fprintf(out, "  %s\n", c)
			}
		}
		return nil
	}

	for i, d := range cfg.Devices {
		label := deviceLabel(i, d)
		m, err := openPort(d, cfg, o.portFactory(), o.lister)
		if err != nil {
			return fmt.Errorf("module %s: %w", label, err)
		}
		err = runOnPort(ctx, m, stepsFor(i))
		fmt.Fprintf(out, "%s module %s\n", checkmark(err == nil), label)
		if err != nil {
			return fmt.Errorf("module %s: %w", label, err)
		}
	}
	return nil
}

// runOnPort sends steps to m while draining its input, then closes it.
func runOnPort(ctx context.Context, m *serialmux.SerialMux[serialmux.SerialPorter], steps []device.Step) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Monitor(ctx); err != nil && ctx.Err() == nil {
			monitoring.Opsf("%s: monitor: %v", m.Name(), err)
		}
	}()

	err := device.Run(ctx, nil, m, steps)
	cancel()
	<-done
	if cerr := m.Close(); cerr != nil {
		monitoring.Diagf("%s: close: %v", m.Name(), cerr)
	}
	return err
}

// NewDevicesCommand lists the serial ports on the host.
func NewDevicesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "devices",
		Short:   "List serial ports and the configured modules",
		GroupID: gDevices,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			ports, err := listPorts()
			if err != nil {
				return err
			}
			return printPorts(cmd.OutOrStdout(), ports, cfg.Devices, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// printPorts writes ports, marking those that match a configured module.
func printPorts(w io.Writer, ports []serialmux.PortInfo, configured []config.DeviceConfig, asJSON bool) error {
	if asJSON {
		if ports == nil {
			ports = []serialmux.PortInfo{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ports)
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}

	module := func(p serialmux.PortInfo) int {
		for i, d := range configured {
			if d.Path == p.Path || (d.SerialNumber != "" && strings.EqualFold(d.SerialNumber, p.SerialNumber)) {
				return i
			}
		}
		return -1
	}

	fmt.Fprintf(w, "%-24s %-9s %-18s %-7s %s\n", "PORT", "USB", "SERIAL", "MODULE", "PRODUCT")
	for _, p := range ports {
		usb := "-"
		if p.IsUSB {
			usb = p.VID + ":" + p.PID
		}
		mod := "-"
		if i := module(p); i >= 0 {
			mod = good("%d", i)
		}
		fmt.Fprintf(w, "%-24s %-9s %-18s %-7s %s\n", p.Path, usb, orDash(p.SerialNumber), mod, p.Product)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// NewSetupCommand stores each module's role so it ranges on power-up.
func NewSetupCommand() *cobra.Command {
	o := &provisionOptions{}
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Factory-reset the modules and store their roles",
		Long: `Factory-reset every configured module and store its role, so the
modules start ranging on power-up without a host. Module 0 becomes the
initiator. This overwrites the modules' stored settings.`,
		GroupID: gDevices,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), &o.runOptions)
			if err != nil {
				return err
			}
			if len(cfg.Devices) == 0 {
				return errNoInput
			}
			out := cmd.OutOrStdout()
			ok, err := o.confirmed(out, fmt.Sprintf("reset and set up %d modules", len(cfg.Devices)))
			if err != nil || !ok {
				return err
			}
			plan := cfg.Plan(len(cfg.Devices))
			return sendSteps(cmd.Context(), out, cfg, o, func(i int) []device.Step {
				return device.SetupSteps(plan, i)
			})
		},
	}
	o.addFlags(cmd)
	return cmd
}

// NewSetCalibrationCommand uploads a calibration file to the modules.
func NewSetCalibrationCommand() *cobra.Command {
	o := &provisionOptions{}
	cmd := &cobra.Command{
		Use:   "set-calibration FILE",
		Short: "Upload a calibration key file to the modules",
		Long: `Upload calibration keys to every configured module and save them.

FILE is a key listing as the modules print it: one "key: 0xVALUE" pair
per line. Other lines are ignored.`,
		GroupID: gDevices,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			entries, err := device.ParseCalibrationFile(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			cfg, err := loadConfig(cmd.Flags(), &o.runOptions)
			if err != nil {
				return err
			}
			if len(cfg.Devices) == 0 {
				return errNoInput
			}
			out := cmd.OutOrStdout()
			ok, err := o.confirmed(out, fmt.Sprintf("write %d keys to %d modules", len(entries), len(cfg.Devices)))
			if err != nil || !ok {
				return err
			}
			steps := device.CalibrationFileSteps(entries)
			return sendSteps(cmd.Context(), out, cfg, o, func(int) []device.Step { return steps })
		},
	}
	o.addFlags(cmd)
	return cmd
}
