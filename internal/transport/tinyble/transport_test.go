package tinyble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/testutils"
)

const peerAddr = "aa:bb:cc:dd:ee:ff"

type fakeChar struct {
	uuid bluetooth.UUID

	mu      sync.Mutex
	value   []byte
	written [][]byte
	notify  func([]byte)
	err     error
}

func (c *fakeChar) UUID() bluetooth.UUID { return c.uuid }

func (c *fakeChar) Read(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(data, c.value), c.err
}

func (c *fakeChar) Write(p []byte) (int, error) {
	return c.WriteWithoutResponse(p)
}

func (c *fakeChar) WriteWithoutResponse(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChar) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = cb
	return nil
}

func (c *fakeChar) push(data []byte) {
	c.mu.Lock()
	cb := c.notify
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// bareChar carries only the methods every OS provides.
type bareChar struct {
	uuid bluetooth.UUID

	mu     sync.Mutex
	writes [][]byte
}

func (c *bareChar) UUID() bluetooth.UUID { return c.uuid }

func (c *bareChar) WriteWithoutResponse(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *bareChar) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *bareChar) EnableNotifications(func([]byte)) error { return nil }

type fakeService struct {
	uuid  bluetooth.UUID
	chars []remoteCharacteristic
}

func (s *fakeService) UUID() bluetooth.UUID { return s.uuid }

func (s *fakeService) DiscoverCharacteristics([]bluetooth.UUID) ([]remoteCharacteristic, error) {
	return s.chars, nil
}

type fakeLink struct {
	services     []remoteService
	disconnected chan struct{}
	once         sync.Once
}

func (l *fakeLink) DiscoverServices([]bluetooth.UUID) ([]remoteService, error) {
	return l.services, nil
}

func (l *fakeLink) Disconnect() error {
	l.once.Do(func() { close(l.disconnected) })
	return nil
}

type fakeRadio struct {
	mu         sync.Mutex
	enableErr  error
	dropped    func(string)
	sightings  []sighting
	stop       chan struct{}
	connectErr error
	link       *fakeLink
	connects   int
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) OnDisconnect(f func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = f
}

func (r *fakeRadio) Scan(f func(sighting)) error {
	r.mu.Lock()
	stop := make(chan struct{})
	r.stop = stop
	found := r.sightings
	r.mu.Unlock()

	for _, s := range found {
		f(s)
	}
	<-stop
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	return nil
}

func (r *fakeRadio) Connect(string) (link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	return r.link, nil
}

func (r *fakeRadio) drop(addr string) {
	r.mu.Lock()
	f := r.dropped
	r.mu.Unlock()
	f(addr)
}

type sinkLog struct {
	mu     sync.Mutex
	events []device.Event
}

func (l *sinkLog) sink(ev device.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func eventsOf[T device.Event](l *sinkLog) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []T
	for _, ev := range l.events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func waitFor[T device.Event](t *testing.T, l *sinkLog, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(eventsOf[T](l)) >= n }, 2*time.Second, 5*time.Millisecond,
		"MUST observe %d %T events", n, *new(T))
	return eventsOf[T](l)
}

type TinyTransportTestSuite struct {
	suite.Suite

	original func() radio
	radio    *fakeRadio
	rx, tx   *fakeChar
	log      *sinkLog
	tr       *Transport
}

func (s *TinyTransportTestSuite) SetupTest() {
	svcUUID, _ := parseUUID(device.DefaultServiceUUID)
	rxUUID, _ := parseUUID(device.DefaultRXCharUUID)
	txUUID, _ := parseUUID(device.DefaultTXCharUUID)

	s.rx = &fakeChar{uuid: rxUUID}
	s.tx = &fakeChar{uuid: txUUID, value: []byte("state")}
	s.radio = &fakeRadio{link: &fakeLink{
		disconnected: make(chan struct{}),
		services: []remoteService{&fakeService{uuid: svcUUID, chars: []remoteCharacteristic{s.rx, s.tx}}},
	}}
	s.log = &sinkLog{}

	s.original = newRadio
	newRadio = func() radio { return s.radio }
	s.tr = New(Options{WriteDelay: time.Nanosecond}, testutils.NewTestLogger())
	s.Require().NoError(s.tr.Start(s.log.sink))
}

func (s *TinyTransportTestSuite) TearDownTest() {
	_ = s.tr.Close()
	newRadio = s.original
}

func (s *TinyTransportTestSuite) connect() (rxH, txH device.Handle) {
	s.tr.Connect(peerAddr)
	waitFor[device.PeripheralConnected](s.T(), s.log, 1)

	s.tr.DiscoverServices(peerAddr, []string{device.DefaultServiceUUID})
	svcs := waitFor[device.ServicesDiscovered](s.T(), s.log, 1)
	s.Require().NoError(svcs[0].Err)
	s.Require().Len(svcs[0].Services, 1)
	s.True(device.MatchUUID(svcs[0].Services[0].UUID, device.DefaultServiceUUID))

	s.tr.DiscoverCharacteristics(peerAddr, svcs[0].Services[0].Handle, []string{device.DefaultRXCharUUID, device.DefaultTXCharUUID})
	chars := waitFor[device.CharacteristicsDiscovered](s.T(), s.log, 1)
	s.Require().NoError(chars[0].Err)
	for _, c := range chars[0].Characteristics {
		if device.MatchUUID(c.UUID, device.DefaultRXCharUUID) {
			rxH = c.Handle
		}
		if device.MatchUUID(c.UUID, device.DefaultTXCharUUID) {
			txH = c.Handle
		}
	}
	s.Require().NotEqual(device.NoHandle, rxH)
	s.Require().NotEqual(device.NoHandle, txH)
	return rxH, txH
}

func (s *TinyTransportTestSuite) TestScanFiltersAndStops() {
	// GOAL: Verify scan results are filtered by service and StopScan ends the scan quietly
	//
	// TEST SCENARIO: Two sightings, one advertising the service → one discovery → StopScan → no ScanStopped

	want, _ := parseUUID(device.DefaultServiceUUID)
	s.radio.sightings = []sighting{
		{Addr: "11:22:33:44:55:66", Name: "Other", RSSI: -30, Has: func(bluetooth.UUID) bool { return false }},
		{Addr: peerAddr, Name: "Serial", RSSI: -65, Has: func(u bluetooth.UUID) bool { return u == want }},
	}

	s.tr.StartScan([]string{device.DefaultServiceUUID})
	found := waitFor[device.PeripheralDiscovered](s.T(), s.log, 1)
	s.Equal("AA:BB:CC:DD:EE:FF", found[0].Identity.ID)
	s.Equal(-65, found[0].Identity.RSSI)

	s.tr.StopScan()
	time.Sleep(20 * time.Millisecond)
	s.Len(eventsOf[device.PeripheralDiscovered](s.log), 1, "foreign sighting MUST be filtered")
	s.Empty(eventsOf[device.ScanStopped](s.log))
}

func (s *TinyTransportTestSuite) TestDataPath() {
	// GOAL: Verify GATT operations reach the characteristics and results come back as events
	//
	// TEST SCENARIO: Connect → read TX → write RX → enable notifications and push → RSSI unsupported

	rxH, txH := s.connect()

	s.tr.Read(peerAddr, txH)
	values := waitFor[device.ValueUpdated](s.T(), s.log, 1)
	s.Equal([]byte("state"), values[0].Data)

	s.tr.Write(peerAddr, rxH, []byte("ab"), false)
	s.tr.Write(peerAddr, rxH, []byte("cd"), true)
	waitFor[device.WriteCompleted](s.T(), s.log, 1)
	s.rx.mu.Lock()
	s.Equal([][]byte{[]byte("ab"), []byte("cd")}, s.rx.written, "writes MUST reach RX in order")
	s.rx.mu.Unlock()

	s.tr.SetNotify(peerAddr, txH, true)
	waitFor[device.NotificationStateChanged](s.T(), s.log, 1)
	s.tx.push([]byte("pong"))
	values = waitFor[device.ValueUpdated](s.T(), s.log, 2)
	s.Equal([]byte("pong"), values[1].Data)

	s.tr.ReadRSSI(peerAddr)
	rssi := waitFor[device.RSSIRead](s.T(), s.log, 1)
	s.ErrorIs(rssi[0].Err, device.ErrUnsupported)
}

func (s *TinyTransportTestSuite) TestPlatformMissingReadAndAckedWrite() {
	// GOAL: Verify a characteristic without Read or acknowledged Write fails those ops as unsupported
	//
	// TEST SCENARIO: Characteristics expose only the common method set → read fails → write with response fails → write without response succeeds

	svcUUID, _ := parseUUID(device.DefaultServiceUUID)
	rxUUID, _ := parseUUID(device.DefaultRXCharUUID)
	txUUID, _ := parseUUID(device.DefaultTXCharUUID)
	rx := &bareChar{uuid: rxUUID}
	s.radio.link.services = []remoteService{&fakeService{uuid: svcUUID, chars: []remoteCharacteristic{rx, &bareChar{uuid: txUUID}}}}

	rxH, txH := s.connect()

	s.tr.Read(peerAddr, txH)
	values := waitFor[device.ValueUpdated](s.T(), s.log, 1)
	s.ErrorIs(values[0].Err, device.ErrUnsupported, "read MUST be unsupported without Read")

	s.tr.Write(peerAddr, rxH, []byte("ab"), true)
	done := waitFor[device.WriteCompleted](s.T(), s.log, 1)
	s.ErrorIs(done[0].Err, device.ErrUnsupported, "acknowledged write MUST be unsupported without Write")

	s.tr.Write(peerAddr, rxH, []byte("cd"), false)
	s.Require().Eventually(func() bool { return len(rx.written()) == 1 }, 2*time.Second, 5*time.Millisecond,
		"unacknowledged write MUST still reach RX")
	s.Equal([][]byte{[]byte("cd")}, rx.written())
	s.Len(eventsOf[device.WriteCompleted](s.log), 1, "unacknowledged write MUST NOT report completion")
}

func (s *TinyTransportTestSuite) TestDisconnects() {
	// GOAL: Verify requested and unexpected disconnects are told apart
	//
	// TEST SCENARIO: Connect → adapter reports drop → error; reconnect → CancelConnection → nil error

	s.connect()
	s.radio.drop(peerAddr)
	gone := waitFor[device.PeripheralDisconnected](s.T(), s.log, 1)
	s.ErrorIs(gone[0].Err, device.ErrNotConnected, "adapter-reported drop MUST be unexpected")

	s.radio.mu.Lock()
	s.radio.link = &fakeLink{disconnected: make(chan struct{}), services: s.radio.link.services}
	s.radio.mu.Unlock()
	s.tr.Connect(peerAddr)
	waitFor[device.PeripheralConnected](s.T(), s.log, 2)

	s.tr.CancelConnection(peerAddr)
	gone = waitFor[device.PeripheralDisconnected](s.T(), s.log, 2)
	s.NoError(gone[1].Err, "requested disconnect MUST carry no error")

	state, ok := s.tr.Retrieve(peerAddr)
	s.True(ok)
	s.Equal(device.LinkDisconnected, state)
}

func (s *TinyTransportTestSuite) TestConnectFailure() {
	s.radio.connectErr = errors.New("timeout on Connect")
	s.tr.Connect(peerAddr)

	failed := waitFor[device.PeripheralConnectFailed](s.T(), s.log, 1)
	s.EqualError(failed[0].Err, "timeout on Connect")
}

func TestTinyTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TinyTransportTestSuite))
}

func TestStartFailsWhenAdapterCannotEnable(t *testing.T) {
	original := newRadio
	defer func() { newRadio = original }()
	newRadio = func() radio { return &fakeRadio{enableErr: errors.New("no adapter")} }

	tr := New(Options{}, testutils.NewTestLogger())
	err := tr.Start(func(device.Event) {})
	require.ErrorIs(t, err, device.ErrRadioUnavailable)
}

func TestParseUUID(t *testing.T) {
	u, err := parseUUID("180d")
	require.NoError(t, err)
	require.Equal(t, bluetooth.New16BitUUID(0x180d), u)

	u, err = parseUUID(device.DefaultServiceUUID)
	require.NoError(t, err)
	require.True(t, device.MatchUUID(u.String(), device.DefaultServiceUUID))

	_, err = parseUUID("not-a-uuid")
	require.Error(t, err)
}
