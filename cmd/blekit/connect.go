package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/ringchan"
)

// inboundBacklog bounds the received chunks waiting for stdout; the oldest are
// dropped when the terminal cannot keep up.
const inboundBacklog = 256

type connectOptions struct {
	eol    string
	linger time.Duration
}

func newConnectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect [identifier]",
		Short: "Open an interactive session with a peripheral",
		Long: `Connects to a peripheral and streams data in both directions: each line
read from stdin is written to RX, and everything received on TX is printed
to stdout. Status lines go to stderr.

Without an identifier the last connected peripheral is restored. The link is
re-established automatically if it drops. The session ends on Ctrl+C or when
stdin is closed.

Examples:
  blekit connect AA:BB:CC:DD:EE:FF
  blekit connect
  echo "status" | blekit connect --linger 2s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, opts, firstArg(args))
		},
	}
	cmd.Flags().StringVar(&opts.eol, "eol", "\n", "Line terminator appended to each stdin line")
	cmd.Flags().DurationVar(&opts.linger, "linger", 500*time.Millisecond, "Time to keep receiving after stdin is closed")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runConnect(cmd *cobra.Command, opts *connectOptions, id string) error {
	inbound := ringchan.New[[]byte](inboundBacklog)
	events := newLinkEvents(cmd.ErrOrStderr())
	events.data = func(data []byte) {
		inbound.Send(data)
	}

	a, err := newApp(cmd, events)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	printed := groutine.Start(ctx, "connect-stdout", func(context.Context) {
		pumpInbound(cmd.OutOrStdout(), inbound)
	})
	defer func() {
		a.close()
		inbound.Close()
		<-printed
		if m := inbound.Metrics(); m.Overwritten > 0 {
			a.logger.WithField("dropped", m.Overwritten).Warn("Output could not keep up; chunks were dropped")
		}
	}()

	statusf(cmd.ErrOrStderr(), infoColor, "Connecting to %s...", describeTarget(id))
	if err := a.connect(ctx, id); err != nil {
		return err
	}
	statusf(cmd.ErrOrStderr(), okColor, "Ready. Type to send, Ctrl+C to quit.")

	eof := groutine.Start(ctx, "connect-stdin", func(context.Context) {
		pumpOutbound(cmd.InOrStdin(), opts.eol, a.central.Write)
	})

	select {
	case <-ctx.Done():
	case <-eof:
		select {
		case <-ctx.Done():
		case <-time.After(opts.linger):
		}
	}
	if err := a.central.Disconnect(); err != nil {
		a.logger.WithError(err).Debug("Disconnect request failed")
	}
	return nil
}

// pumpInbound copies received chunks to out until the channel is closed.
func pumpInbound(out io.Writer, inbound *ringchan.RingChannel[[]byte]) {
	for {
		data, ok := inbound.Receive()
		if !ok {
			return
		}
		_, _ = out.Write(data)
	}
}

// pumpOutbound sends every line of in, terminated by eol, until in is exhausted.
func pumpOutbound(in io.Reader, eol string, send func([]byte)) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := scanner.Bytes()
		line := make([]byte, 0, len(text)+len(eol))
		line = append(append(line, text...), eol...)
		send(line)
	}
}

func describeTarget(id string) string {
	if id == "" {
		return "last peripheral"
	}
	return fmt.Sprintf("%q", id)
}
