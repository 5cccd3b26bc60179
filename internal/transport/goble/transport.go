// Package goble drives the central through github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/transport"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Options tunes the go-ble backend.
type Options struct {
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration `default:"30s"`
	// WriteDelay paces consecutive writes without response.
	WriteDelay time.Duration `default:"10ms"`
	// OpQueueSize is the number of GATT operations buffered per peripheral.
	OpQueueSize int `default:"256"`
}

type scanRun struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Transport implements device.Transport on top of a go-ble device.
type Transport struct {
	logger    *logrus.Logger
	opts      Options
	newDevice func() (ble.Device, error)

	mu       sync.Mutex
	dev      ble.Device
	events   *transport.EventQueue
	scan     *scanRun
	lastScan <-chan struct{}
	closed   bool

	peripherals *hashmap.Map[string, *peripheral]
	handles     atomic.Uint32
}

// New creates a go-ble transport. The radio is not touched until Start.
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.OpQueueSize <= 0 {
		opts.OpQueueSize = 256
	}

	return &Transport{
		logger:      logger,
		opts:        opts,
		newDevice:   DeviceFactory,
		peripherals: hashmap.New[string, *peripheral](),
	}
}

// Start opens the HCI device (Linux) or the central manager (macOS).
// go-ble exposes no power state notifications, so a radio that is off at
// start stays reported as powered off for the life of the transport.
func (t *Transport) Start(sink device.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return device.ErrClosed
	}
	if t.events != nil {
		return errors.New("goble: transport already started")
	}
	t.events = transport.NewEventQueue("goble-events", sink)

	dev, err := t.newDevice()
	if err != nil {
		err = NormalizeError(err)
		if errors.Is(err, device.ErrBluetoothOff) {
			t.logger.WithError(err).Warn("Bluetooth is turned off")
			t.events.Emit(device.RadioStateChanged{State: device.RadioPoweredOff})
			return nil
		}
		t.events.Close()
		t.events = nil
		return fmt.Errorf("failed to open BLE device: %w", err)
	}

	t.dev = dev
	t.logger.Debug("BLE device opened")
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

func (t *Transport) device() ble.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.dev
}

func (t *Transport) nextHandle() device.Handle {
	return device.Handle(t.handles.Add(1))
}

// known returns the record for addr, registering it on first sight.
func (t *Transport) known(addr string) *peripheral {
	id := device.NormalizeID(addr)
	p, _ := t.peripherals.GetOrInsert(id, newPeripheral(id, addr))
	return p
}

func (t *Transport) lookup(id string) (*peripheral, bool) {
	return t.peripherals.Get(device.NormalizeID(id))
}

// StartScan scans with duplicates allowed so RSSI keeps refreshing.
func (t *Transport) StartScan(serviceUUIDs []string) {
	dev := t.device()
	if dev == nil {
		t.emit(device.ScanStopped{Err: device.Wrapf(device.RadioUnavailable, "BLE device is not open")})
		return
	}

	t.mu.Lock()
	if t.scan != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &scanRun{cancel: cancel}
	prev := t.lastScan
	t.scan = run
	filter := device.NormalizeUUIDs(serviceUUIDs)

	run.done = groutine.Start(ctx, "goble-scan", func(ctx context.Context) {
		if prev != nil {
			<-prev
		}
		t.logger.WithField("services", serviceUUIDs).Debug("Scanning for BLE devices...")
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			t.onAdvertisement(adv, filter)
		})

		t.mu.Lock()
		owned := t.scan == run
		if owned {
			t.scan = nil
		}
		t.mu.Unlock()

		if !owned {
			return
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		t.logger.WithError(err).Debug("Scan ended by the driver")
		t.emit(device.ScanStopped{Err: NormalizeError(err)})
	})
	t.lastScan = run.done
	t.mu.Unlock()
}

func (t *Transport) onAdvertisement(adv ble.Advertisement, filter []string) {
	if adv.Addr() == nil {
		return
	}
	if len(filter) > 0 && !advertises(adv, filter) {
		return
	}

	p := t.known(adv.Addr().String())
	t.emit(device.PeripheralDiscovered{Identity: device.Identity{
		ID:       p.id,
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		LastSeen: time.Now(),
	}})
}

func advertises(adv ble.Advertisement, filter []string) bool {
	for _, uuids := range [][]ble.UUID{adv.Services(), adv.OverflowService()} {
		for _, u := range uuids {
			for _, want := range filter {
				if device.MatchUUID(u.String(), want) {
					return true
				}
			}
		}
	}
	return false
}

// StopScan cancels the running scan without reporting ScanStopped.
func (t *Transport) StopScan() {
	t.mu.Lock()
	run := t.scan
	t.scan = nil
	t.mu.Unlock()

	if run != nil {
		run.cancel()
	}
}

// Connect dials id in the background. Dial results arrive as events.
func (t *Transport) Connect(id string) {
	dev := t.device()
	if dev == nil {
		t.emit(device.PeripheralConnectFailed{ID: id, Err: device.Wrapf(device.RadioUnavailable, "BLE device is not open")})
		return
	}

	p := t.known(id)
	p.mu.Lock()
	switch p.link {
	case device.LinkConnected:
		p.mu.Unlock()
		t.emit(device.PeripheralConnected{ID: p.id})
		return
	case device.LinkConnecting:
		p.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	p.attempt++
	attempt := p.attempt
	p.link = device.LinkConnecting
	p.dialStop = cancel
	p.cancelled = false
	p.mu.Unlock()

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		t.dial(ctx, cancel, dev, p, attempt)
	})
}

func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, dev ble.Device, p *peripheral, attempt uint64) {
	defer cancel()

	logger := t.logger.WithField("id", p.id)
	logger.Info("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(p.addr))

	p.mu.Lock()
	if p.attempt != attempt {
		p.mu.Unlock()
		if err == nil {
			_ = client.CancelConnection()
		}
		logger.Debug("Dial superseded, dropping result")
		return
	}
	if err != nil {
		p.link = device.LinkDisconnected
		p.dialStop = nil
		p.mu.Unlock()
		logger.WithError(err).Warn("Failed to connect to BLE device")
		t.emit(device.PeripheralConnectFailed{ID: p.id, Err: NormalizeError(err)})
		return
	}

	p.client = client
	p.link = device.LinkConnected
	p.dialStop = nil
	p.gatt = transport.NewSerial("goble-gatt", t.opts.OpQueueSize)
	p.mu.Unlock()

	t.monitor(p, client)

	logger.Info("BLE device connected successfully")
	t.emit(device.PeripheralConnected{ID: p.id})
}

func (t *Transport) monitor(p *peripheral, client ble.Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.WithField("id", p.id).Debug("Client does not report disconnects")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		<-dc.Disconnected()
		t.linkLost(p, client)
	})
}

// linkLost reports the end of client's link once, however it ended.
func (t *Transport) linkLost(p *peripheral, client ble.Client) {
	p.mu.Lock()
	if p.client != client {
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

// CancelConnection aborts a dial or tears down a link. A PeripheralDisconnected
// with a nil error follows in every case.
func (t *Transport) CancelConnection(id string) {
	p, ok := t.lookup(id)
	if !ok {
		t.emit(device.PeripheralDisconnected{ID: device.NormalizeID(id)})
		return
	}

	p.mu.Lock()
	switch p.link {
	case device.LinkConnecting:
		stop := p.dialStop
		gatt := p.reset()
		p.mu.Unlock()
		if stop != nil {
			stop()
		}
		if gatt != nil {
			gatt.Close()
		}
		t.emit(device.PeripheralDisconnected{ID: p.id})

	case device.LinkConnected:
		p.cancelled = true
		p.link = device.LinkDisconnecting
		client := p.client
		p.mu.Unlock()

		groutine.Go(context.Background(), "goble-cancel-connection", func(ctx context.Context) {
			if err := client.CancelConnection(); err != nil {
				t.logger.WithField("id", p.id).WithError(NormalizeError(err)).Warn("Cancel connection failed")
			}
			t.linkLost(p, client)
		})

	case device.LinkDisconnecting:
		p.mu.Unlock()

	default:
		p.mu.Unlock()
		t.emit(device.PeripheralDisconnected{ID: p.id})
	}
}

// submit queues op on the peripheral's GATT worker. fail runs when the
// operation cannot be queued.
func (t *Transport) submit(id string, op func(*peripheral, ble.Client), fail func(error)) {
	p, ok := t.lookup(id)
	if !ok {
		fail(device.ErrNotConnected)
		return
	}

	p.mu.Lock()
	gatt, client := p.gatt, p.client
	p.mu.Unlock()
	if gatt == nil {
		fail(device.ErrNotConnected)
		return
	}

	err := gatt.Submit(func() { op(p, client) })
	switch {
	case errors.Is(err, transport.ErrQueueClosed):
		fail(device.ErrNotConnected)
	case err != nil:
		t.logger.WithField("id", p.id).WithError(err).Warn("Dropping GATT operation")
		fail(err)
	}
}

func parseUUIDs(logger *logrus.Logger, uuids []string) []ble.UUID {
	if len(uuids) == 0 {
		return nil
	}
	parsed := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			logger.WithField("uuid", s).WithError(err).Warn("Skipping malformed UUID")
			continue
		}
		parsed = append(parsed, u)
	}
	return parsed
}

func (t *Transport) DiscoverServices(id string, serviceUUIDs []string) {
	filter := parseUUIDs(t.logger, serviceUUIDs)
	t.submit(id, func(p *peripheral, c ble.Client) {
		services, err := c.DiscoverServices(filter)
		if err != nil {
			t.emit(device.ServicesDiscovered{ID: p.id, Err: NormalizeError(err)})
			return
		}

		found := make([]device.DiscoveredService, 0, len(services))
		p.mu.Lock()
		for _, s := range services {
			h := t.nextHandle()
			p.services[h] = s
			found = append(found, device.DiscoveredService{UUID: s.UUID.String(), Handle: h})
		}
		p.mu.Unlock()

		t.emit(device.ServicesDiscovered{ID: p.id, Services: found})
	}, func(err error) {
		t.emit(device.ServicesDiscovered{ID: device.NormalizeID(id), Err: err})
	})
}

func (t *Transport) DiscoverCharacteristics(id string, service device.Handle, charUUIDs []string) {
	filter := parseUUIDs(t.logger, charUUIDs)
	t.submit(id, func(p *peripheral, c ble.Client) {
		svc, ok := p.service(service)
		if !ok {
			t.emit(device.CharacteristicsDiscovered{ID: p.id, Service: service,
				Err: fmt.Errorf("goble: unknown service handle %d", service)})
			return
		}

		chars, err := c.DiscoverCharacteristics(filter, svc)
		if err != nil {
			t.emit(device.CharacteristicsDiscovered{ID: p.id, Service: service, Err: NormalizeError(err)})
			return
		}

		found := make([]device.DiscoveredCharacteristic, 0, len(chars))
		p.mu.Lock()
		for _, ch := range chars {
			h := t.nextHandle()
			p.chars[h] = ch
			found = append(found, device.DiscoveredCharacteristic{UUID: ch.UUID.String(), Handle: h})
		}
		p.mu.Unlock()

		t.emit(device.CharacteristicsDiscovered{ID: p.id, Service: service, Characteristics: found})
	}, func(err error) {
		t.emit(device.CharacteristicsDiscovered{ID: device.NormalizeID(id), Service: service, Err: err})
	})
}

func (t *Transport) Read(id string, char device.Handle) {
	fail := func(err error) {
		t.emit(device.ValueUpdated{ID: device.NormalizeID(id), Handle: char, Err: err})
	}
	t.submit(id, func(p *peripheral, c ble.Client) {
		ch, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("goble: unknown characteristic handle %d", char))
			return
		}
		data, err := c.ReadCharacteristic(ch)
		t.emit(device.ValueUpdated{ID: p.id, Handle: char, Data: data, Err: NormalizeError(err)})
	}, fail)
}

// Write sends one chunk. Writes without response report only failures.
func (t *Transport) Write(id string, char device.Handle, data []byte, withResponse bool) {
	payload := append([]byte(nil), data...)
	fail := func(err error) {
		t.emit(device.WriteCompleted{ID: device.NormalizeID(id), Handle: char, Err: err})
	}
	t.submit(id, func(p *peripheral, c ble.Client) {
		ch, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("goble: unknown characteristic handle %d", char))
			return
		}

		err := NormalizeError(c.WriteCharacteristic(ch, payload, !withResponse))
		if withResponse || err != nil {
			t.emit(device.WriteCompleted{ID: p.id, Handle: char, Err: err})
		}
		if !withResponse && t.opts.WriteDelay > 0 {
			time.Sleep(t.opts.WriteDelay)
		}
	}, fail)
}

func (t *Transport) SetNotify(id string, char device.Handle, enabled bool) {
	fail := func(err error) {
		t.emit(device.NotificationStateChanged{ID: device.NormalizeID(id), Handle: char, Enabled: enabled, Err: err})
	}
	t.submit(id, func(p *peripheral, c ble.Client) {
		ch, ok := p.characteristic(char)
		if !ok {
			fail(fmt.Errorf("goble: unknown characteristic handle %d", char))
			return
		}

		var err error
		if enabled {
			// Linux needs the CCCD to subscribe.
			if ch.CCCD == nil {
				if _, derr := c.DiscoverDescriptors(nil, ch); derr != nil {
					t.logger.WithError(derr).Debug("Descriptor discovery failed")
				}
			}
			err = c.Subscribe(ch, false, func(data []byte) {
				t.emit(device.ValueUpdated{ID: p.id, Handle: char, Data: append([]byte(nil), data...)})
			})
		} else {
			err = c.Unsubscribe(ch, false)
		}
		t.emit(device.NotificationStateChanged{ID: p.id, Handle: char, Enabled: enabled, Err: NormalizeError(err)})
	}, fail)
}

func (t *Transport) ReadRSSI(id string) {
	t.submit(id, func(p *peripheral, c ble.Client) {
		t.emit(device.RSSIRead{ID: p.id, RSSI: c.ReadRSSI()})
	}, func(err error) {
		t.emit(device.RSSIRead{ID: device.NormalizeID(id), Err: err})
	})
}

// Retrieve reports the link state of id. go-ble dials raw addresses, so an
// identifier never seen in a scan is registered as a disconnected peripheral
// as long as the device is open.
func (t *Transport) Retrieve(id string) (device.LinkState, bool) {
	if p, ok := t.lookup(id); ok {
		return p.state(), true
	}
	if device.NormalizeID(id) == "" || t.device() == nil {
		return "", false
	}
	return t.known(id).state(), true
}

// Close stops scanning, drops every link and releases the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	run := t.scan
	t.scan = nil
	dev := t.dev
	events := t.events
	t.mu.Unlock()

	if run != nil {
		run.cancel()
		<-run.done
	}

	t.peripherals.Range(func(_ string, p *peripheral) bool {
		p.mu.Lock()
		client := p.client
		stop := p.dialStop
		p.cancelled = true
		gatt := p.reset()
		p.mu.Unlock()

		if gatt != nil {
			gatt.Close()
		}
		if stop != nil {
			stop()
		}
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				t.logger.WithField("id", p.id).WithError(err).Debug("Cancel connection on close failed")
			}
		}
		return true
	})

	var err error
	if dev != nil {
		err = dev.Stop()
	}
	if events != nil {
		events.Close()
	}
	return NormalizeError(err)
}

var _ device.Transport = (*Transport)(nil)
