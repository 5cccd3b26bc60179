// Package tinyble drives the central through tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/transport"
)

// Options tunes the tinygo backend.
type Options struct {
	// WriteDelay paces consecutive writes without response.
	WriteDelay time.Duration `default:"10ms"`
	// OpQueueSize is the number of GATT operations buffered per peripheral.
	OpQueueSize int `default:"256"`
	// ReadBufferSize bounds a single characteristic read.
	ReadBufferSize int `default:"512"`
}

type peripheral struct {
	id   string
	addr string

	mu        sync.Mutex
	state     device.LinkState
	conn      link
	attempt   uint64
	cancelled bool
	services  map[device.Handle]remoteService
	chars     map[device.Handle]remoteCharacteristic
	gatt      *transport.Serial
}

func newPeripheral(id, addr string) *peripheral {
	return &peripheral{
		id:       id,
		addr:     addr,
		state:    device.LinkDisconnected,
		services: make(map[device.Handle]remoteService),
		chars:    make(map[device.Handle]remoteCharacteristic),
	}
}

// reset must be called with p.mu held.
func (p *peripheral) reset() *transport.Serial {
	gatt := p.gatt
	p.gatt = nil
	p.conn = nil
	p.attempt++
	p.state = device.LinkDisconnected
	p.services = make(map[device.Handle]remoteService)
	p.chars = make(map[device.Handle]remoteCharacteristic)
	return gatt
}

// Transport implements device.Transport on a tinygo bluetooth adapter.
type Transport struct {
	logger *logrus.Logger
	opts   Options
	radio  radio

	mu       sync.Mutex
	events   *transport.EventQueue
	enabled  bool
	scanning *struct{}
	lastScan <-chan struct{}
	closed   bool

	peripherals *hashmap.Map[string, *peripheral]
	handles     atomic.Uint32
}

// New creates a tinygo transport bound to the default adapter.
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	return &Transport{
		logger:      logger,
		opts:        opts,
		radio:       newRadio(),
		peripherals: hashmap.New[string, *peripheral](),
	}
}

// Start enables the adapter. tinygo reports no power transitions, so the
// radio is either powered on after Start or Start fails.
func (t *Transport) Start(sink device.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return device.ErrClosed
	}
	if t.events != nil {
		return errors.New("tinyble: transport already started")
	}

	if err := t.radio.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", device.Wrap(device.RadioUnavailable, err))
	}
	t.radio.OnDisconnect(t.onDisconnect)
	t.enabled = true

	t.events = transport.NewEventQueue("tinyble-events", sink)
	t.logger.Debug("BLE adapter enabled")
	t.events.Emit(device.RadioStateChanged{State: device.RadioPoweredOn})
	return nil
}

func (t *Transport) emit(ev device.Event) {
	t.mu.Lock()
	q := t.events
	t.mu.Unlock()
	if q != nil {
		q.Emit(ev)
	}
}

func (t *Transport) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.closed
}

func (t *Transport) known(addr string) *peripheral {
	id := device.NormalizeID(addr)
	p, _ := t.peripherals.GetOrInsert(id, newPeripheral(id, addr))
	return p
}

func (t *Transport) lookup(id string) (*peripheral, bool) {
	return t.peripherals.Get(device.NormalizeID(id))
}

func (t *Transport) parseUUIDs(uuids []string) []bluetooth.UUID {
	var out []bluetooth.UUID
	for _, s := range uuids {
		u, err := parseUUID(s)
		if err != nil {
			t.logger.WithField("uuid", s).WithError(err).Warn("Skipping malformed UUID")
			continue
		}
		out = append(out, u)
	}
	return out
}

func (t *Transport) StartScan(serviceUUIDs []string) {
	if !t.ready() {
		t.emit(device.ScanStopped{Err: device.Wrapf(device.RadioUnavailable, "BLE adapter is not enabled")})
		return
	}
	filter := t.parseUUIDs(serviceUUIDs)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanning != nil {
		return
	}
	token := &struct{}{}
	t.scanning = token
	prev := t.lastScan

	t.lastScan = groutine.Start(context.Background(), "tinyble-scan", func(ctx context.Context) {
		if prev != nil {
			<-prev
		}
		t.logger.WithField("services", serviceUUIDs).Debug("Scanning for BLE devices...")
		err := t.radio.Scan(func(s sighting) {
			t.onSighting(s, filter)
		})

		t.mu.Lock()
		owned := t.scanning == token
		if owned {
			t.scanning = nil
		}
		t.mu.Unlock()

		if owned {
			t.logger.WithError(err).Debug("Scan ended by the adapter")
			t.emit(device.ScanStopped{Err: err})
		}
	})
}

func (t *Transport) onSighting(s sighting, filter []bluetooth.UUID) {
	if len(filter) > 0 {
		matched := false
		for _, u := range filter {
			if s.Has != nil && s.Has(u) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}

	p := t.known(s.Addr)
	t.emit(device.PeripheralDiscovered{Identity: device.Identity{
		ID:       p.id,
		Name:     s.Name,
		RSSI:     s.RSSI,
		LastSeen: time.Now(),
	}})
}

func (t *Transport) StopScan() {
	t.mu.Lock()
	active := t.scanning != nil
	t.scanning = nil
	t.mu.Unlock()

	if active {
		if err := t.radio.StopScan(); err != nil {
			t.logger.WithError(err).Debug("Stop scan failed")
		}
	}
}

// Connect dials in the background. The adapter enforces its own timeout.
func (t *Transport) Connect(id string) {
	if !t.ready() {
		t.emit(device.PeripheralConnectFailed{ID: id, Err: device.Wrapf(device.RadioUnavailable, "BLE adapter is not enabled")})
		return
	}

	p := t.known(id)
	p.mu.Lock()
	switch p.state {
	case device.LinkConnected:
		p.mu.Unlock()
		t.emit(device.PeripheralConnected{ID: p.id})
		return
	case device.LinkConnecting:
		p.mu.Unlock()
		return
	}
	p.attempt++
	attempt := p.attempt
	p.state = device.LinkConnecting
	p.cancelled = false
	p.mu.Unlock()

	groutine.Go(context.Background(), "tinyble-dial", func(ctx context.Context) {
		logger := t.logger.WithField("id", p.id)
		logger.Info("Connecting to BLE device...")
		conn, err := t.radio.Connect(p.addr)

		p.mu.Lock()
		if p.attempt != attempt {
			p.mu.Unlock()
			if err == nil {
				_ = conn.Disconnect()
			}
			logger.Debug("Connect superseded, dropping result")
			return
		}
		if err != nil {
			p.state = device.LinkDisconnected
			p.mu.Unlock()
			logger.WithError(err).Warn("Failed to connect to BLE device")
			t.emit(device.PeripheralConnectFailed{ID: p.id, Err: err})
			return
		}
		p.conn = conn
		p.state = device.LinkConnected
		p.gatt = transport.NewSerial("tinyble-gatt", t.opts.OpQueueSize)
		p.mu.Unlock()

		logger.Info("BLE device connected successfully")
		t.emit(device.PeripheralConnected{ID: p.id})
	})
}

func (t *Transport) onDisconnect(addr string) {
	p, ok := t.lookup(addr)
	if !ok {
		return
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		t.linkLost(p, conn)
	}
}

func (t *Transport) linkLost(p *peripheral, conn link) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	cancelled := p.cancelled
	gatt := p.reset()
	p.mu.Unlock()

	if gatt != nil {
		gatt.Close()
	}

	var cause error
	if !cancelled {
		cause = device.ErrNotConnected
		t.logger.WithField("id", p.id).Warn("BLE device disconnected")
	} else {
		t.logger.WithField("id", p.id).Info("BLE device disconnected successfully")
	}
	t.emit(device.PeripheralDisconnected{ID: p.id, Err: cause})
}

func (t *Transport) CancelConnection(id string) {
	p, ok := t.lookup(id)
	if !ok {
		t.emit(device.PeripheralDisconnected{ID: device.NormalizeID(id)})
		return
	}

	p.mu.Lock()
	switch p.state {
	case device.LinkConnected:
		p.cancelled = true
		p.state = device.LinkDisconnecting
		conn := p.conn
		p.mu.Unlock()

		groutine.Go(context.Background(), "tinyble-disconnect", func(ctx context.Context) {
			if err := conn.Disconnect(); err != nil {
				t.logger.WithField("id", p.id).WithError(err).Warn("Disconnect failed")
			}
			t.linkLost(p, conn)
		})

	case device.LinkDisconnecting:
		p.mu.Unlock()

	default:
		// A pending connect cannot be aborted; its late result is discarded.
		gatt := p.reset()
		p.mu.Unlock()
		if gatt != nil {
			gatt.Close()
		}
		t.emit(device.PeripheralDisconnected{ID: p.id})
	}
}

func (t *Transport) submit(id string, op func(p *peripheral), fail func(error)) {
	p, ok := t.lookup(id)
	if !ok {
		fail(device.ErrNotConnected)
		return
	}
	p.mu.Lock()
	gatt := p.gatt
	p.mu.Unlock()
	if gatt == nil {
		fail(device.ErrNotConnected)
		return
	}

	err := gatt.Submit(func() { op(p) })
	switch {
	case errors.Is(err, transport.ErrQueueClosed):
		fail(device.ErrNotConnected)
	case err != nil:
		t.logger.WithField("id", p.id).WithError(err).Warn("Dropping GATT operation")
		fail(err)
	}
}

func (t *Transport) nextHandle() device.Handle {
	return device.Handle(t.handles.Add(1))
}

func (p *peripheral) link() link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *peripheral) service(h device.Handle) (remoteService, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[h]
	return s, ok
}

func (p *peripheral) characteristic(h device.Handle) (remoteCharacteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[h]
	return c, ok
}

func (t *Transport) DiscoverServices(id string, serviceUUIDs []string) {
	filter := t.parseUUIDs(serviceUUIDs)
	fail := func(err error) {
		t.emit(device.ServicesDiscovered{ID: device.NormalizeID(id), Err: err})
	}
	t.submit(id, func(p *peripheral) {
		conn := p.link()
		if conn == nil {
			fail(device.ErrNotConnected)
			return
		}
		services, err := conn.DiscoverServices(filter)
		if err != nil {
			fail(err)
			return
		}

		found := make([]device.DiscoveredService, 0, len(services))
		p.mu.Lock()
		for _, s := range services {
			h := t.nextHandle()
			p.services[h] = s
			found = append(found, device.DiscoveredService{UUID: s.UUID().String(), Handle: h})
		}
		p.mu.Unlock()
		t.emit(device.ServicesDiscovered{ID: p.id, Services: found})
	}, fail)
}

func (t *Transport) DiscoverCharacteristics(id string, service device.Handle, charUUIDs []string) {
	filter := t.parseUUIDs(charUUIDs)
	fail := func(err error) {
		t.emit(device.CharacteristicsDiscovered{ID: device.NormalizeID(id), Service: service, Err: err})
	}
	t.submit(id, func(p *peripheral) {
		svc, ok := p.service(service)
		if !ok {
			fail(fmt.Errorf("tinyble: unknown service handle %d", service))
			return
		}
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			fail(err)
			return
		}

		found := make([]device.DiscoveredCharacteristic, 0, len(chars))
		p.mu.Lock()
		for _, c := range chars {
			h := t.nextHandle()
			p.chars[h] = c
			found = append(found, device.DiscoveredCharacteristic{UUID: c.UUID().String(), Handle: h})
		}
		p.mu.Unlock()
		t.emit(device.CharacteristicsDiscovered{ID: p.id, Service: service, Characteristics: found})
	}, fail)
}

func (t *Transport) Read(id string, char device.Handle) {
	fail := func(err error) {
		t.emit(device.ValueUpdated{ID: device.NormalizeID(id), Handle: char, Err: err})
	}
	t.submit(id, func(p *peripheral) {
		c, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("tinyble: unknown characteristic handle %d", char))
			return
		}
		r, ok := c.(readable)
		if !ok {
			fail(fmt.Errorf("%w: tinygo bluetooth cannot read characteristics on this OS", device.ErrUnsupported))
			return
		}
		buf := make([]byte, t.opts.ReadBufferSize)
		n, err := r.Read(buf)
		if err != nil {
			fail(err)
			return
		}
		t.emit(device.ValueUpdated{ID: p.id, Handle: char, Data: buf[:n]})
	}, fail)
}

func (t *Transport) Write(id string, char device.Handle, data []byte, withResponse bool) {
	payload := append([]byte(nil), data...)
	fail := func(err error) {
		t.emit(device.WriteCompleted{ID: device.NormalizeID(id), Handle: char, Err: err})
	}
	t.submit(id, func(p *peripheral) {
		c, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("tinyble: unknown characteristic handle %d", char))
			return
		}

		var err error
		if withResponse {
			w, ok := c.(ackWriter)
			if !ok {
				fail(fmt.Errorf("%w: tinygo bluetooth has no write with response on this OS", device.ErrUnsupported))
				return
			}
			_, err = w.Write(payload)
		} else {
			_, err = c.WriteWithoutResponse(payload)
		}
		if withResponse || err != nil {
			t.emit(device.WriteCompleted{ID: p.id, Handle: char, Err: err})
		}
		if !withResponse && t.opts.WriteDelay > 0 {
			time.Sleep(t.opts.WriteDelay)
		}
	}, fail)
}

// SetNotify passes a nil callback to disable, which tinygo treats as unsubscribe.
func (t *Transport) SetNotify(id string, char device.Handle, enabled bool) {
	fail := func(err error) {
		t.emit(device.NotificationStateChanged{ID: device.NormalizeID(id), Handle: char, Enabled: enabled, Err: err})
	}
	t.submit(id, func(p *peripheral) {
		c, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("tinyble: unknown characteristic handle %d", char))
			return
		}

		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				t.emit(device.ValueUpdated{ID: p.id, Handle: char, Data: append([]byte(nil), buf...)})
			}
		}
		err := c.EnableNotifications(cb)
		t.emit(device.NotificationStateChanged{ID: p.id, Handle: char, Enabled: enabled, Err: err})
	}, fail)
}

// ReadRSSI always fails: tinygo exposes RSSI only on scan results.
func (t *Transport) ReadRSSI(id string) {
	t.emit(device.RSSIRead{
		ID:  device.NormalizeID(id),
		Err: fmt.Errorf("%w: tinygo bluetooth cannot read the RSSI of a connected peripheral", device.ErrUnsupported),
	})
}

// Retrieve registers unseen identifiers so saved sessions can reconnect.
func (t *Transport) Retrieve(id string) (device.LinkState, bool) {
	if p, ok := t.lookup(id); ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.state, true
	}
	if device.NormalizeID(id) == "" || !t.ready() {
		return "", false
	}
	p := t.known(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, true
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	scanning := t.scanning != nil
	t.scanning = nil
	events := t.events
	t.mu.Unlock()

	if scanning {
		_ = t.radio.StopScan()
	}

	var errs []error
	t.peripherals.Range(func(_ string, p *peripheral) bool {
		p.mu.Lock()
		conn := p.conn
		p.cancelled = true
		gatt := p.reset()
		p.mu.Unlock()

		if gatt != nil {
			gatt.Close()
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("disconnect %s: %w", p.id, err))
			}
		}
		return true
	})

	if events != nil {
		events.Close()
	}
	return errors.Join(errs...)
}

var _ device.Transport = (*Transport)(nil)
