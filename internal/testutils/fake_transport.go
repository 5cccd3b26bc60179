package testutils

import (
	"sync"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/transport"
)

// Call is one request recorded by FakeTransport.
type Call struct {
	Op           string
	ID           string
	Handle       device.Handle
	UUIDs        []string
	Data         []byte
	Enabled      bool
	WithResponse bool
}

// FakePeripheral describes a peripheral the FakeTransport can simulate in auto-respond mode.
type FakePeripheral struct {
	Identity device.Identity
	Link     device.LinkState
	// Services advertised during discovery; nil selects the default serial service.
	Services        []device.DiscoveredService
	Characteristics []device.DiscoveredCharacteristic
	RSSI            int
	// Value returned for reads of the TX characteristic.
	Value []byte
	// ReadErr, when set, fails reads instead of returning Value.
	ReadErr error
}

// FakeTransport is an in-memory device.Transport.
//
// Every request is recorded. Events are delivered to the sink in order on a
// single goroutine, never from inside a request method. With auto-respond enabled,
// requests are answered from the Peripherals table the way a well-behaved
// radio would.
type FakeTransport struct {
	mu          sync.Mutex
	events      *transport.EventQueue
	calls       []Call
	closed      bool
	started     bool
	StartErr    error
	autoRespond bool
	// InitialRadio is reported on Start. The zero value reports PoweredOn.
	InitialRadio device.RadioState
	Peripherals  map[string]*FakePeripheral
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Peripherals: make(map[string]*FakePeripheral),
	}
}

// SetAutoRespond toggles simulated answers to requests.
func (f *FakeTransport) SetAutoRespond(enabled bool) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoRespond = enabled
	return f
}

func (f *FakeTransport) auto() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoRespond
}

// AddPeripheral registers p under its normalized identifier.
func (f *FakeTransport) AddPeripheral(p *FakePeripheral) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.Identity.ID = device.NormalizeID(p.Identity.ID)
	if p.Link == "" {
		p.Link = device.LinkDisconnected
	}
	f.Peripherals[p.Identity.ID] = p
	return f
}

func (f *FakeTransport) Start(sink device.EventSink) error {
	f.mu.Lock()
	if f.StartErr != nil {
		f.mu.Unlock()
		return f.StartErr
	}
	f.events = transport.NewEventQueue("fake-transport", sink)
	f.started = true
	radio := f.InitialRadio
	f.mu.Unlock()

	if radio == device.RadioUnknown {
		radio = device.RadioPoweredOn
	}
	f.Emit(device.RadioStateChanged{State: radio})
	return nil
}

// Emit queues ev for asynchronous delivery. Events before Start or after Close are dropped.
func (f *FakeTransport) Emit(ev device.Event) {
	f.mu.Lock()
	events := f.events
	closed := f.closed
	f.mu.Unlock()

	if events != nil && !closed {
		events.Emit(ev)
	}
}

func (f *FakeTransport) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns a copy of every recorded request.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf returns the recorded requests named op.
func (f *FakeTransport) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many requests named op were recorded.
func (f *FakeTransport) Count(op string) int {
	return len(f.CallsOf(op))
}

func (f *FakeTransport) peripheral(id string) *FakePeripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Peripherals[device.NormalizeID(id)]
}

func (f *FakeTransport) StartScan(serviceUUIDs []string) {
	f.record(Call{Op: "StartScan", UUIDs: serviceUUIDs})
	if !f.auto() {
		return
	}
	f.mu.Lock()
	var found []device.Identity
	for _, p := range f.Peripherals {
		found = append(found, p.Identity)
	}
	f.mu.Unlock()
	for _, id := range found {
		f.Emit(device.PeripheralDiscovered{Identity: id})
	}
}

func (f *FakeTransport) StopScan() {
	f.record(Call{Op: "StopScan"})
}

func (f *FakeTransport) Connect(id string) {
	f.record(Call{Op: "Connect", ID: id})
	if !f.auto() {
		return
	}
	p := f.peripheral(id)
	if p == nil {
		f.Emit(device.PeripheralConnectFailed{ID: id, Err: device.ErrPeripheralUnknown})
		return
	}
	f.mu.Lock()
	p.Link = device.LinkConnected
	f.mu.Unlock()
	f.Emit(device.PeripheralConnected{ID: id})
}

func (f *FakeTransport) CancelConnection(id string) {
	f.record(Call{Op: "CancelConnection", ID: id})
	if !f.auto() {
		return
	}
	if p := f.peripheral(id); p != nil {
		f.mu.Lock()
		p.Link = device.LinkDisconnected
		f.mu.Unlock()
	}
	f.Emit(device.PeripheralDisconnected{ID: id})
}

func (f *FakeTransport) DiscoverServices(id string, serviceUUIDs []string) {
	f.record(Call{Op: "DiscoverServices", ID: id, UUIDs: serviceUUIDs})
	if !f.auto() {
		return
	}
	services := []device.DiscoveredService{{UUID: device.DefaultServiceUUID, Handle: 0x10}}
	if p := f.peripheral(id); p != nil && p.Services != nil {
		services = p.Services
	}
	f.Emit(device.ServicesDiscovered{ID: id, Services: services})
}

func (f *FakeTransport) DiscoverCharacteristics(id string, service device.Handle, charUUIDs []string) {
	f.record(Call{Op: "DiscoverCharacteristics", ID: id, Handle: service, UUIDs: charUUIDs})
	if !f.auto() {
		return
	}
	chars := []device.DiscoveredCharacteristic{
		{UUID: device.DefaultRXCharUUID, Handle: 0x12},
		{UUID: device.DefaultTXCharUUID, Handle: 0x14},
	}
	if p := f.peripheral(id); p != nil && p.Characteristics != nil {
		chars = p.Characteristics
	}
	f.Emit(device.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: chars})
}

func (f *FakeTransport) Read(id string, char device.Handle) {
	f.record(Call{Op: "Read", ID: id, Handle: char})
	if !f.auto() {
		return
	}
	var value []byte
	var err error
	if p := f.peripheral(id); p != nil {
		value, err = p.Value, p.ReadErr
	}
	if err != nil {
		value = nil
	}
	f.Emit(device.ValueUpdated{ID: id, Handle: char, Data: value, Err: err})
}

func (f *FakeTransport) Write(id string, char device.Handle, data []byte, withResponse bool) {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.record(Call{Op: "Write", ID: id, Handle: char, Data: buf, WithResponse: withResponse})
	if f.auto() && withResponse {
		f.Emit(device.WriteCompleted{ID: id, Handle: char})
	}
}

func (f *FakeTransport) SetNotify(id string, char device.Handle, enabled bool) {
	f.record(Call{Op: "SetNotify", ID: id, Handle: char, Enabled: enabled})
	if f.auto() {
		f.Emit(device.NotificationStateChanged{ID: id, Handle: char, Enabled: enabled})
	}
}

func (f *FakeTransport) ReadRSSI(id string) {
	f.record(Call{Op: "ReadRSSI", ID: id})
	if !f.auto() {
		return
	}
	rssi := 0
	if p := f.peripheral(id); p != nil {
		rssi = p.RSSI
	}
	f.Emit(device.RSSIRead{ID: id, RSSI: rssi})
}

func (f *FakeTransport) Retrieve(id string) (device.LinkState, bool) {
	f.record(Call{Op: "Retrieve", ID: id})
	p := f.peripheral(id)
	if p == nil {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.Link, true
}

func (f *FakeTransport) Close() error {
	f.record(Call{Op: "Close"})
	f.mu.Lock()
	events := f.events
	f.closed = true
	f.mu.Unlock()

	if events != nil {
		events.Close()
	}
	return nil
}

// Started reports whether Start succeeded.
func (f *FakeTransport) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}
