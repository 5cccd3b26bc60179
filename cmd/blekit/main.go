package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh commands and flags.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blekit",
		Short: "BLE serial central",
		Long: `Bluetooth Low Energy central for peripherals that expose a serial
service: one characteristic to write to (RX) and one that notifies (TX).

- Scan for peripherals advertising the serial service
- Connect, discover RX/TX and stream data interactively
- Restore the last connected peripheral and reconnect on link loss
- Bridge the link to a PTY for use with serial terminal programs

The service layout, backend and reconnect policy are read from
~/.config/blekit/config.yaml; see --config.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().String("config", "", "Config file (default "+defaultConfigHint()+")")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("verbose", false, "Shorthand for --log-level=debug")
	cmd.PersistentFlags().String("backend", "", "BLE backend (goble, tinygo)")
	cmd.PersistentFlags().String("session", "", "File that remembers the last connected peripheral")

	// Add -v as a short flag for --version
	cmd.Flags().BoolP("version", "v", false, "Show version information")

	cmd.AddCommand(
		newScanCmd(),
		newConnectCmd(),
		newReadCmd(),
		newWriteCmd(),
		newRSSICmd(),
		newBridgeCmd(),
		newForgetCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}
