package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/pkg/config"
)

type scanOptions struct {
	duration time.Duration
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for peripherals advertising the serial service",
		Long: `Scans for Bluetooth Low Energy peripherals that advertise the configured
serial service and lists them in the order they were first seen.

Each peripheral is reported once, with the latest name and signal strength.

Examples:
  blekit scan
  blekit scan --duration 30s --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default: scan_timeout from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); default: output_format from config")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "" && opts.format != config.FormatTable && opts.format != config.FormatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", opts.format, config.FormatTable, config.FormatJSON)
	}
	if opts.duration < 0 {
		return fmt.Errorf("invalid duration %s: must not be negative", opts.duration)
	}

	a, err := newApp(cmd, newLinkEvents(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := a.cfg.ScanTimeout
	if opts.duration > 0 {
		duration = opts.duration
	}
	format := a.cfg.OutputFormat
	if opts.format != "" {
		format = opts.format
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := a.waitRadio(ctx); err != nil {
		return err
	}

	scan, err := a.central.StartScan(duration)
	if err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE peripherals", "scanning", duration)
	progress.Start()
	found, err := scan.Wait(ctx)
	progress.Stop()

	// Ctrl+C ends the window early; the partial result is still shown.
	if err != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("scan failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if format == config.FormatJSON {
		return displayIdentitiesJSON(out, found)
	}
	return displayIdentitiesTable(out, found, time.Now())
}

func displayIdentitiesTable(out io.Writer, found []device.Identity, now time.Time) error {
	if len(found) == 0 {
		fmt.Fprintln(out, "No peripherals discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIDENTIFIER\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, "----\t----------\t----\t---------")

	for _, id := range found {
		name := id.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n",
			name, id.ID, id.RSSI, now.Sub(id.LastSeen).Truncate(time.Second))
	}

	return w.Flush()
}

func displayIdentitiesJSON(out io.Writer, found []device.Identity) error {
	if found == nil {
		found = []device.Identity{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(found)
}
