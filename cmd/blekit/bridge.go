package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blekit/internal/ptyio"
)

type bridgeOptions struct {
	symlink     string
	bufferSize  int
	statsPeriod time.Duration
}

func newBridgeCmd() *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge [identifier]",
		Short: "Expose the peripheral as a serial port (PTY)",
		Long: `Creates a pseudo-terminal and bridges it to the peripheral: bytes written
to the PTY go to RX, and TX data is written back to the PTY. Any serial
program (screen, minicom, pyserial) can open the printed device path.

The link is re-established automatically if it drops; the PTY stays open
meanwhile and input typed while disconnected is discarded.

Examples:
  blekit bridge AA:BB:CC:DD:EE:FF
  blekit bridge --symlink /tmp/ble-serial`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, opts, firstArg(args))
		},
	}
	cmd.Flags().StringVar(&opts.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-serial)")
	cmd.Flags().IntVar(&opts.bufferSize, "buffer", 4096, "PTY buffer size per direction, in bytes")
	cmd.Flags().DurationVar(&opts.statsPeriod, "stats", 0, "Log PTY counters at this interval (0 disables)")
	return cmd
}

func runBridge(cmd *cobra.Command, opts *bridgeOptions, id string) error {
	// Assigned before the first connect request; TX data cannot arrive earlier.
	var pty *ptyio.PTY
	events := newLinkEvents(cmd.ErrOrStderr())
	events.data = func(data []byte) {
		_, _ = pty.Write(data)
	}

	a, err := newApp(cmd, events)
	if err != nil {
		return err
	}
	defer a.close()
	cmd.SilenceUsage = true
	logger := a.logger

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	pty, err = ptyio.Open(ptyio.Options{
		ReadCap:  opts.bufferSize,
		WriteCap: opts.bufferSize,
		Logger:   logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY failed, stopping bridge")
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := pty.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY")
		}
	}()

	if opts.symlink != "" {
		if err := os.Symlink(pty.Name(), opts.symlink); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.symlink, pty.Name(), err)
		}
		// Remove the symlink before the PTY is closed.
		defer func() {
			if err := os.Remove(opts.symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", opts.symlink).Warn("Failed to remove tty symlink")
			}
		}()
	}

	statusf(cmd.ErrOrStderr(), infoColor, "Connecting to %s...", describeTarget(id))
	if err := a.connect(ctx, id); err != nil {
		return err
	}
	pty.OnInput(func(data []byte) {
		a.central.Write(data)
	})

	tty := pty.Name()
	if opts.symlink != "" {
		tty = fmt.Sprintf("%s -> %s", opts.symlink, pty.Name())
	}
	statusf(cmd.ErrOrStderr(), okColor, "Bridge running on %s. Press Ctrl+C to stop.", tty)

	var ticks <-chan time.Time
	if opts.statsPeriod > 0 {
		ticker := time.NewTicker(opts.statsPeriod)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			pty.OnInput(nil)
			logger.Info("Bridge shutting down...")
			return nil
		case <-ticks:
			logBridgeStats(logger, pty.Stats())
		}
	}
}

func logBridgeStats(logger *logrus.Logger, s ptyio.Stats) {
	logger.WithFields(logrus.Fields{
		"to_tty":        s.BytesToSlave,
		"from_tty":      s.BytesFromPeer,
		"dropped_write": s.DroppedWrite,
		"dropped_read":  s.DroppedRead,
		"queued":        s.WriteQueueLen,
	}).Info("PTY stats")
}
