package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blekit/internal/central"
	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/devicefactory"
	"github.com/srg/blekit/internal/session"
	"github.com/srg/blekit/pkg/config"
)

const radioPollInterval = 20 * time.Millisecond

var (
	okColor   = color.New(color.FgGreen)
	infoColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

func defaultConfigHint() string {
	return config.DefaultPath()
}

// statusf prints one colored status line.
func statusf(w io.Writer, c *color.Color, format string, args ...interface{}) {
	_, _ = c.Fprintf(w, format+"\n", args...)
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if file, _ := cmd.Flags().GetString("session"); file != "" {
		cfg.SessionFile = file
	}
	return cfg, nil
}

// linkEvents adapts central callbacks for the commands: status lines go to
// status, readiness and failures are surfaced on channels.
type linkEvents struct {
	status io.Writer
	quiet  bool

	ready chan struct{}
	errs  chan error
	lost  chan error
	data  func([]byte)
	phase func(device.ConnectionState)
}

func newLinkEvents(status io.Writer) *linkEvents {
	return &linkEvents{
		status: status,
		ready:  make(chan struct{}, 1),
		errs:   make(chan error, 8),
		lost:   make(chan error, 1),
	}
}

func (e *linkEvents) OnRadioStateChanged(state device.RadioState) {
	if !state.Ready() && state != device.RadioUnknown {
		statusf(e.status, warnColor, "Bluetooth radio is %s", state)
	}
}

func (e *linkEvents) OnConnected(id string) {
	if !e.quiet {
		statusf(e.status, okColor, "Connected to %s", id)
	}
}

func (e *linkEvents) OnDisconnected(id string, err error) {
	if err != nil {
		statusf(e.status, errColor, "Disconnected from %s: %v", id, err)
		select {
		case e.lost <- err:
		default:
		}
		return
	}
	if !e.quiet {
		statusf(e.status, infoColor, "Disconnected from %s", id)
	}
}

func (e *linkEvents) OnDataReceived(data []byte) {
	if e.data != nil {
		e.data(data)
	}
}

func (e *linkEvents) OnError(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

func (e *linkEvents) OnStateChanged(_, to device.ConnectionState) {
	if e.phase != nil {
		e.phase(to)
	}
	if to == device.StateReady {
		select {
		case e.ready <- struct{}{}:
		default:
		}
	}
}

// app is the per-invocation wiring: config, logger, transport and central.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   *session.FileStore
	central *central.Central
	events  *linkEvents
}

// newApp builds the central for cmd. events must be fully configured; its
// callbacks start firing before newApp returns.
func newApp(cmd *cobra.Command, events *linkEvents) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	store, err := session.NewFileStore(cfg.SessionFile, logger)
	if err != nil {
		return nil, err
	}

	tr, err := devicefactory.NewTransport(devicefactory.Options{
		Backend:        devicefactory.Backend(cfg.Backend),
		ConnectTimeout: cfg.ConnectTimeout,
		WriteDelay:     cfg.Write.Delay,
	}, logger)
	if err != nil {
		return nil, err
	}

	c, err := central.New(tr, store, events, central.Options{
		Service:              cfg.ServiceDescriptor(),
		Reconnect:            cfg.Backoff(),
		WriteWithoutResponse: !cfg.Write.WithResponse,
		ChunkSize:            cfg.Write.ChunkSize,
		HistorySize:          cfg.HistorySize,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, central: c, events: events}, nil
}

// waitRadio blocks until the radio accepts requests.
func (a *app) waitRadio(ctx context.Context) error {
	ticker := time.NewTicker(radioPollInterval)
	defer ticker.Stop()

	for {
		switch state := a.central.Radio(); state {
		case device.RadioPoweredOn:
			return nil
		case device.RadioPoweredOff:
			return device.ErrBluetoothOff
		case device.RadioUnsupported, device.RadioUnauthorized:
			return device.Wrapf(device.RadioUnavailable, "radio is %s", state)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for radio: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// connect links to id, or to the saved peripheral when id is empty, and
// waits until RX and TX are resolved.
func (a *app) connect(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	if err := a.waitRadio(ctx); err != nil {
		return err
	}

	var err error
	if id != "" {
		err = a.central.Connect(device.NormalizeID(id))
	} else {
		err = a.central.AutoConnect(ctx)
	}
	if err != nil {
		return err
	}

	select {
	case <-a.events.ready:
		return nil
	case err := <-a.events.errs:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return device.Wrap(device.ConnectFailed, fmt.Errorf("no usable link within %s: %w", a.cfg.ConnectTimeout, ctx.Err()))
		}
		return ctx.Err()
	}
}

// close disconnects and stops the central, logging the transition history at debug level.
func (a *app) close() {
	if a.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, e := range a.central.History() {
			a.logger.WithField("transition", e.String()).Debug("History")
		}
	}
	if err := a.central.Close(); err != nil {
		a.logger.WithError(err).Warn("Shutdown failed")
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
