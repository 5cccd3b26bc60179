// Package central drives the connection state machine against a transport.
//
// A Central owns one event loop goroutine. Application calls, transport
// events and timer expiries are all posted to that loop, which feeds them to
// fsm.Machine.Step and executes the returned effects. Nothing else mutates
// the connection state.
package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/fsm"
	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/journal"
	"github.com/srg/blekit/internal/registry"
	"github.com/srg/blekit/internal/session"
)

// DefaultInboxSize is the event loop queue length used when Options leaves it zero.
const DefaultInboxSize = 128

// Options configure a Central. The zero value is usable.
type Options struct {
	Service              device.ServiceDescriptor
	Reconnect            fsm.Backoff
	WriteWithoutResponse bool
	ChunkSize            int
	Filter               registry.Filter
	HistorySize          uint32
	InboxSize            int
	Clock                Clock
}

// envelope is one unit of work for the event loop.
type envelope struct {
	input fsm.Input
	// guard runs on the loop before the input is stepped; an error skips the step.
	guard func() error
	// accepted runs on the loop after the input was accepted, before its effects.
	accepted func()
	// query runs on the loop instead of a step.
	query func()
	reply chan error
}

// Central is the BLE central: scan, connect, reconnect and data path for a
// single peripheral at a time.
type Central struct {
	transport device.Transport
	store     session.Store
	handler   Handler
	logger    *logrus.Logger
	clock     Clock

	machine  fsm.Machine
	registry *registry.Registry
	journal  *journal.Journal
	notifier *notifier

	inbox     chan envelope
	quit      chan struct{}
	loopDone  <-chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Owned by the event loop.
	model         fsm.Model
	scan          *ScanSession
	stopScanTimer func() bool
	stopReconnect func() bool
	rssiCallback  func(rssi int, err error)
}

// New builds a Central and starts its event loop and the transport.
// A nil store keeps identities in memory; a nil handler discards notifications.
func New(transport device.Transport, store session.Store, handler Handler, opts Options, logger *logrus.Logger) (*Central, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if store == nil {
		store = session.NewMemoryStore()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if opts.Service == (device.ServiceDescriptor{}) {
		opts.Service = device.DefaultServiceDescriptor()
	}
	if err := opts.Service.Validate(); err != nil {
		return nil, err
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	c := &Central{
		transport: transport,
		store:     store,
		handler:   handler,
		logger:    logger,
		clock:     opts.Clock,
		machine: fsm.New(fsm.Policy{
			Service:              opts.Service,
			Reconnect:            opts.Reconnect,
			WriteWithoutResponse: opts.WriteWithoutResponse,
			ChunkSize:            opts.ChunkSize,
		}),
		registry: registry.New(opts.Filter, logger),
		journal:  journal.New(opts.HistorySize),
		inbox:    make(chan envelope, opts.InboxSize),
		quit:     make(chan struct{}),
		model:    fsm.NewModel(),
	}
	c.notifier = newNotifier(func(err error) {
		c.logger.WithError(err).Error("Handler callback panicked")
	})
	c.loopDone = groutine.Start(context.Background(), "central-loop", c.loop)

	if err := transport.Start(c.deliver); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"service": opts.Service.Service,
		"rx":      opts.Service.RX,
		"tx":      opts.Service.TX,
	}).Debug("Central started")
	return c, nil
}

// deliver is the transport's EventSink.
func (c *Central) deliver(ev device.Event) {
	if ev == nil {
		return
	}
	c.enqueue(envelope{input: fsm.TransportEvent{Event: ev}})
}

func (c *Central) enqueue(env envelope) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inbox <- env:
		return true
	case <-c.quit:
		return false
	}
}

// submit posts env and waits for the loop's verdict.
func (c *Central) submit(env envelope) error {
	env.reply = make(chan error, 1)
	if !c.enqueue(env) {
		return device.ErrClosed
	}
	select {
	case err := <-env.reply:
		return err
	case <-c.loopDone:
		return device.ErrClosed
	}
}

// query runs fn on the event loop and waits for it.
func (c *Central) query(fn func()) error {
	return c.submit(envelope{query: fn})
}

func (c *Central) loop(ctx context.Context) {
	for {
		select {
		case <-c.quit:
			c.shutdown()
			return
		case env := <-c.inbox:
			c.handle(env)
		}
	}
}

func (c *Central) handle(env envelope) {
	if env.query != nil {
		env.query()
		c.reply(env, nil)
		return
	}
	if env.guard != nil {
		if err := env.guard(); err != nil {
			c.reply(env, err)
			return
		}
	}

	next, effects := c.machine.Step(c.model, env.input)
	if err := fsm.Rejection(effects); err != nil {
		c.logger.WithFields(logrus.Fields{
			"input": fmt.Sprintf("%T", env.input),
			"state": c.model.State,
		}).WithError(err).Debug("Command rejected")
		c.reply(env, err)
		return
	}

	c.model = next
	if env.accepted != nil {
		env.accepted()
	}
	for _, eff := range effects {
		c.execute(eff)
	}
	c.reply(env, nil)
}

func (c *Central) reply(env envelope, err error) {
	if env.reply != nil {
		env.reply <- err
	}
}

// shutdown runs on the loop when Close is called.
func (c *Central) shutdown() {
	c.cancelScanTimer()
	c.cancelReconnectTimer()

	if c.scan != nil {
		c.scan.resolve(c.registry.Snapshot(), device.ErrClosed)
		c.scan = nil
	}
	if cb := c.rssiCallback; cb != nil {
		c.rssiCallback = nil
		c.notifier.post(func() { cb(0, device.ErrClosed) })
	}
	if c.model.Target != "" {
		c.transport.CancelConnection(c.model.Target)
	}

	// Fail queued commands instead of leaving callers waiting.
	for {
		select {
		case env := <-c.inbox:
			c.reply(env, device.ErrClosed)
		default:
			return
		}
	}
}

// Close stops the event loop, cancels timers, drains pending handler
// callbacks and closes the transport.
func (c *Central) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.notifier.stop()
		if err := c.transport.Close(); err != nil {
			c.closeErr = fmt.Errorf("failed to close transport: %w", err)
		}
		c.logger.Debug("Central closed")
	})
	return c.closeErr
}

func (c *Central) cancelScanTimer() {
	if c.stopScanTimer != nil {
		c.stopScanTimer()
		c.stopScanTimer = nil
	}
}

func (c *Central) cancelReconnectTimer() {
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
}

// panicError wraps a value recovered from a handler callback.
type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// timeout posts in after d unless the returned stop function is called first.
func (c *Central) timeout(d time.Duration, in fsm.Input) func() bool {
	return c.clock.AfterFunc(d, func() {
		c.enqueue(envelope{input: in})
	})
}
