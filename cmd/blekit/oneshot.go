package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/session"
)

// withLink connects to id (or the saved peripheral), runs op and disconnects.
// op's context is cancelled if the link drops.
func withLink(cmd *cobra.Command, events *linkEvents, id string, op func(ctx context.Context, a *app) error) error {
	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+describeTarget(id), string(device.StateIdle), 0)
	events.quiet = true
	events.phase = func(s device.ConnectionState) { progress.SetPhase(string(s)) }

	a, err := newApp(cmd, events)
	if err != nil {
		return err
	}
	defer a.close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress.Start()
	err = a.connect(ctx, id)
	progress.Stop()
	if err != nil {
		return err
	}

	opCtx, opCancel := context.WithCancelCause(ctx)
	defer opCancel(nil)
	groutine.Go(opCtx, "oneshot-link-watch", func(ctx context.Context) {
		select {
		case err := <-events.lost:
			opCancel(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		case <-ctx.Done():
		}
	})

	if err := op(opCtx, a); err != nil {
		if cause := context.Cause(opCtx); cause != nil && opCtx.Err() != nil {
			return cause
		}
		return err
	}
	if err := a.central.Disconnect(); err != nil {
		a.logger.WithError(err).Debug("Disconnect request failed")
	}
	return nil
}

// formatData renders received bytes as text or hex.
func formatData(data []byte, asHex bool) string {
	if asHex {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	return string(data)
}

// parseData decodes a command-line payload.
func parseData(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

type readOptions struct {
	hex     bool
	timeout time.Duration
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read [identifier]",
		Short: "Read the TX characteristic once",
		Long: `Connects, reads the TX characteristic and prints the first value received.

Examples:
  blekit read AA:BB:CC:DD:EE:FF
  blekit read --hex`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, opts, firstArg(args))
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Print the value as hex")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "How long to wait for the value")
	return cmd
}

func runRead(cmd *cobra.Command, opts *readOptions, id string) error {
	values := make(chan []byte, 1)
	events := newLinkEvents(cmd.ErrOrStderr())
	events.data = func(data []byte) {
		select {
		case values <- data:
		default:
		}
	}

	return withLink(cmd, events, id, func(ctx context.Context, a *app) error {
		if err := a.central.Read(); err != nil {
			return err
		}
		select {
		case data := <-values:
			fmt.Fprintln(cmd.OutOrStdout(), formatData(data, opts.hex))
			return nil
		case <-time.After(opts.timeout):
			return fmt.Errorf("%w within %s", ErrNoData, opts.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

type writeOptions struct {
	hex bool
}

func newWriteCmd() *cobra.Command {
	opts := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write [identifier] <data>",
		Short: "Write a payload to the RX characteristic",
		Long: `Connects and writes data to the RX characteristic, split into chunks of
write.chunk_size bytes.

Examples:
  blekit write AA:BB:CC:DD:EE:FF "hello"
  blekit write --hex "01 02 FF"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, payload := "", args[0]
			if len(args) == 2 {
				id, payload = args[0], args[1]
			}
			data, err := parseData(payload, opts.hex)
			if err != nil {
				return fmt.Errorf("failed to parse data: %w", err)
			}
			return runWrite(cmd, id, data)
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Parse data as hex (e.g. 'FF01' or 'FF 01')")
	return cmd
}

func runWrite(cmd *cobra.Command, id string, data []byte) error {
	return withLink(cmd, newLinkEvents(cmd.ErrOrStderr()), id, func(ctx context.Context, a *app) error {
		a.central.Write(data)
		// A query queued behind the write returns once the write was handed to the transport.
		a.central.State()
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes\n", len(data))
		return nil
	})
}

func newRSSICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rssi [identifier]",
		Short: "Read the signal strength of the link",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRSSI(cmd, firstArg(args))
		},
	}
	return cmd
}

type rssiResult struct {
	rssi int
	err  error
}

func runRSSI(cmd *cobra.Command, id string) error {
	return withLink(cmd, newLinkEvents(cmd.ErrOrStderr()), id, func(ctx context.Context, a *app) error {
		result := make(chan rssiResult, 1)
		err := a.central.ReadRSSI(func(rssi int, err error) {
			result <- rssiResult{rssi: rssi, err: err}
		})
		if err != nil {
			return err
		}
		select {
		case r := <-result:
			if r.err != nil {
				return fmt.Errorf("failed to read RSSI: %w", r.err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dBm\n", r.rssi)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Forget the saved peripheral",
		Long:  "Removes the saved identity so that commands without an identifier no longer reconnect to it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := configureLogger(cmd, cfg)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			store, err := session.NewFileStore(cfg.SessionFile, logger)
			if err != nil {
				return err
			}
			if err := store.Forget(); err != nil {
				return fmt.Errorf("failed to forget saved peripheral: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot saved peripheral (%s)\n", store.Path())
			return nil
		},
	}
}
