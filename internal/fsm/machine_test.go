package fsm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blekit/internal/device"
)

const peripheralID = "AA:BB:CC:DD:EE:FF"

const (
	serviceHandle device.Handle = 0x10
	rxHandle      device.Handle = 0x12
	txHandle      device.Handle = 0x14
)

// collect returns the effects of type T in emission order.
func collect[T Effect](effects []Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type MachineTestSuite struct {
	suite.Suite
	machine Machine
	model   Model
}

func (s *MachineTestSuite) SetupTest() {
	s.machine = New(Policy{})
	s.model = NewModel()
}

func (s *MachineTestSuite) apply(in Input) []Effect {
	var effects []Effect
	s.model, effects = s.machine.Step(s.model, in)
	return effects
}

func (s *MachineTestSuite) event(ev device.Event) []Effect {
	return s.apply(TransportEvent{Event: ev})
}

func (s *MachineTestSuite) powerOn() {
	s.event(device.RadioStateChanged{State: device.RadioPoweredOn})
}

func (s *MachineTestSuite) discoveredCharacteristics() device.CharacteristicsDiscovered {
	return device.CharacteristicsDiscovered{
		ID:      peripheralID,
		Service: serviceHandle,
		Characteristics: []device.DiscoveredCharacteristic{
			{UUID: device.DefaultTXCharUUID, Handle: txHandle},
			{UUID: device.DefaultRXCharUUID, Handle: rxHandle},
		},
	}
}

// toReady drives the machine through a complete connect and discovery.
func (s *MachineTestSuite) toReady() {
	s.powerOn()
	s.Require().Empty(collect[Reject](s.apply(CmdConnect{ID: peripheralID})))
	s.event(device.PeripheralConnected{ID: peripheralID})
	s.event(device.ServicesDiscovered{
		ID:       peripheralID,
		Services: []device.DiscoveredService{{UUID: device.DefaultServiceUUID, Handle: serviceHandle}},
	})
	s.event(s.discoveredCharacteristics())
	s.Require().Equal(device.StateReady, s.model.State)
}

func (s *MachineTestSuite) TestConnectWithRadioNotReadyIsRejectedWithoutStateChange() {
	// GOAL: Verify connect never changes state while the radio is not powered on
	//
	// TEST SCENARIO: Every non-ready radio state → connect → rejected with RadioUnavailable, model untouched

	for _, radio := range []device.RadioState{
		device.RadioUnknown, device.RadioResetting, device.RadioUnsupported,
		device.RadioUnauthorized, device.RadioPoweredOff,
	} {
		s.Run(radio.String(), func() {
			s.model = NewModel()
			s.event(device.RadioStateChanged{State: radio})
			before := s.model

			effects := s.apply(CmdConnect{ID: peripheralID})

			s.Require().Len(effects, 1, "rejected connect MUST produce only the rejection")
			s.True(errors.Is(Rejection(effects), device.ErrRadioUnavailable), "rejection MUST be RadioUnavailable")
			s.Equal(before, s.model, "model MUST NOT change")
		})
	}
}

func (s *MachineTestSuite) TestStartScanWithRadioNotReadyIsRejected() {
	before := s.model
	effects := s.apply(CmdStartScan{Timeout: time.Second})

	s.ErrorIs(Rejection(effects), device.ErrRadioUnavailable)
	s.Equal(before, s.model)
}

func (s *MachineTestSuite) TestFullDiscoveryReachesReady() {
	// GOAL: Verify connect → connected → services → characteristics ends in Ready with both handles
	//
	// TEST SCENARIO: Drive every transition and check the requested effects at each step

	s.powerOn()

	effects := s.apply(CmdConnect{ID: "aa:bb:cc:dd:ee:ff"})
	s.Equal(device.StateConnecting, s.model.State)
	s.Equal([]Connect{{ID: peripheralID}}, collect[Connect](effects), "connect MUST target the normalized identifier")

	effects = s.event(device.PeripheralConnected{ID: peripheralID})
	s.Equal(device.StateDiscoveringServices, s.model.State)
	s.True(s.model.AutoReconnect, "autoReconnect MUST be set after a successful connect")
	s.Equal([]SaveIdentity{{ID: peripheralID}}, collect[SaveIdentity](effects))
	s.Len(collect[NotifyConnected](effects), 1)
	s.Equal([]DiscoverServices{{ID: peripheralID, Services: []string{device.DefaultServiceUUID}}},
		collect[DiscoverServices](effects))

	effects = s.event(device.ServicesDiscovered{
		ID: peripheralID,
		Services: []device.DiscoveredService{
			{UUID: "180a", Handle: 0x01},
			{UUID: "713d0000503e4c75ba943148f18d941e", Handle: serviceHandle},
		},
	})
	s.Equal(device.StateDiscoveringCharacteristics, s.model.State)
	s.Equal(serviceHandle, s.model.Service)
	s.Equal([]DiscoverCharacteristics{{
		ID:              peripheralID,
		Service:         serviceHandle,
		Characteristics: []string{device.DefaultRXCharUUID, device.DefaultTXCharUUID},
	}}, collect[DiscoverCharacteristics](effects))

	effects = s.event(s.discoveredCharacteristics())
	s.Equal(device.StateReady, s.model.State)
	s.Equal(device.Handles{RX: rxHandle, TX: txHandle}, s.model.Handles)
	s.True(s.model.Handles.Resolved(), "both handles MUST be resolved in Ready")
	s.Equal([]SetNotify{{ID: peripheralID, Handle: txHandle, Enabled: true}}, collect[SetNotify](effects),
		"notifications MUST be enabled on TX")
}

func (s *MachineTestSuite) TestStateChangesAreReported() {
	s.powerOn()
	effects := s.apply(CmdConnect{ID: peripheralID})

	s.Equal([]StateChanged{{From: device.StateIdle, To: device.StateConnecting}}, collect[StateChanged](effects))
}

func (s *MachineTestSuite) TestConnectWhileBusyIsRejected() {
	s.toReady()
	before := s.model

	effects := s.apply(CmdConnect{ID: "11:22:33:44:55:66"})

	s.ErrorIs(Rejection(effects), device.ErrBusy)
	s.Equal(before, s.model)
}

func (s *MachineTestSuite) TestWriteIsNoOpOutsideReady() {
	// GOAL: Verify write never reaches the transport unless Ready with an RX handle
	//
	// TEST SCENARIO: Write in each pre-Ready state → no transport effect, no state change

	s.powerOn()
	check := func(name string) {
		before := s.model
		effects := s.apply(CmdWrite{Data: []byte("hello")})
		s.Empty(collect[Write](effects), "%s: write MUST NOT reach the transport", name)
		s.Empty(collect[Reject](effects), "%s: write MUST fail silently", name)
		s.Empty(collect[StateChanged](effects), "%s: write MUST NOT change state", name)
		s.Equal(before, s.model, "%s: model MUST NOT change", name)
	}

	check("idle")
	s.apply(CmdConnect{ID: peripheralID})
	check("connecting")
	s.event(device.PeripheralConnected{ID: peripheralID})
	check("discovering services")
	s.event(device.ServicesDiscovered{
		ID:       peripheralID,
		Services: []device.DiscoveredService{{UUID: device.DefaultServiceUUID, Handle: serviceHandle}},
	})
	check("discovering characteristics")

	s.model.State = device.StateReady
	s.model.Handles = device.Handles{TX: txHandle}
	check("ready without RX")
}

func (s *MachineTestSuite) TestWriteInReady() {
	s.toReady()

	effects := s.apply(CmdWrite{Data: []byte("hello")})

	s.Equal([]Write{{ID: peripheralID, Handle: rxHandle, Data: []byte("hello"), WithResponse: true}}, collect[Write](effects),
		"writes MUST be acknowledged by default")
}

func (s *MachineTestSuite) TestDefaultWriteIsAcknowledgedAndChunked() {
	s.machine = New(Policy{ChunkSize: 20})
	s.toReady()

	writes := collect[Write](s.apply(CmdWrite{Data: make([]byte, 45)}))

	s.Require().Len(writes, 3, "45 bytes MUST split into 20+20+5")
	s.Len(writes[2].Data, 5)
	for _, w := range writes {
		s.True(w.WithResponse, "every chunk MUST be acknowledged by default")
	}
}

func (s *MachineTestSuite) TestWriteIsChunked() {
	s.machine = New(Policy{ChunkSize: 4, WriteWithoutResponse: true})
	s.toReady()

	effects := s.apply(CmdWrite{Data: []byte("0123456789")})

	writes := collect[Write](effects)
	s.Require().Len(writes, 3)
	s.Equal([]byte("0123"), writes[0].Data)
	s.Equal([]byte("4567"), writes[1].Data)
	s.Equal([]byte("89"), writes[2].Data)
	for _, w := range writes {
		s.False(w.WithResponse, "configured write type MUST be used for every chunk")
	}
}

func (s *MachineTestSuite) TestReadAndNotifyRequireReady() {
	s.powerOn()

	s.ErrorIs(Rejection(s.apply(CmdRead{})), device.ErrDataPathUnavailable)
	s.ErrorIs(Rejection(s.apply(CmdSetNotify{Enabled: false})), device.ErrDataPathUnavailable)
	s.ErrorIs(Rejection(s.apply(CmdReadRSSI{})), device.ErrDataPathUnavailable)

	s.toReady()
	s.Equal([]Read{{ID: peripheralID, Handle: txHandle}}, collect[Read](s.apply(CmdRead{})))
	s.Equal([]SetNotify{{ID: peripheralID, Handle: txHandle, Enabled: false}},
		collect[SetNotify](s.apply(CmdSetNotify{Enabled: false})))
}

func (s *MachineTestSuite) TestOnlyTXValuesAreSurfaced() {
	s.toReady()

	s.Equal([]NotifyData{{Data: []byte{0x01}}},
		collect[NotifyData](s.event(device.ValueUpdated{ID: peripheralID, Handle: txHandle, Data: []byte{0x01}})))
	s.Empty(collect[NotifyData](s.event(device.ValueUpdated{ID: peripheralID, Handle: rxHandle, Data: []byte{0x02}})),
		"RX values MUST be dropped")
	s.Empty(collect[NotifyData](s.event(device.ValueUpdated{ID: peripheralID, Handle: 0x99, Data: []byte{0x03}})),
		"unknown handles MUST be dropped")

	effects := s.event(device.ValueUpdated{ID: peripheralID, Handle: txHandle, Err: errors.New("gatt error")})
	s.Empty(collect[NotifyData](effects), "failed updates MUST NOT be surfaced as data")
	s.Len(collect[Warn](effects), 1)
}

func (s *MachineTestSuite) TestSecondRSSIRequestIsRejected() {
	// GOAL: Verify the first RSSI request survives a second one
	//
	// TEST SCENARIO: Two RSSI requests → second rejected → reading resolves once → slot free again

	s.toReady()

	first := s.apply(CmdReadRSSI{})
	s.Len(collect[ReadRSSI](first), 1)
	s.True(s.model.RSSIPending)

	second := s.apply(CmdReadRSSI{})
	s.ErrorIs(Rejection(second), device.ErrRSSIPending, "second request MUST be rejected")
	s.Empty(collect[ReadRSSI](second), "second request MUST NOT reach the transport")
	s.True(s.model.RSSIPending, "first request MUST stay pending")

	resolved := s.event(device.RSSIRead{ID: peripheralID, RSSI: -61})
	s.Equal([]ResolveRSSI{{RSSI: -61}}, collect[ResolveRSSI](resolved))
	s.False(s.model.RSSIPending)

	s.Empty(collect[ResolveRSSI](s.event(device.RSSIRead{ID: peripheralID, RSSI: -70})),
		"a reading without a pending request MUST be dropped")
	s.Len(collect[ReadRSSI](s.apply(CmdReadRSSI{})), 1, "a new request MUST be accepted once resolved")
}

func (s *MachineTestSuite) TestPendingRSSIResolvesOnDisconnect() {
	s.toReady()
	s.apply(CmdReadRSSI{})

	effects := s.event(device.PeripheralDisconnected{ID: peripheralID})

	resolved := collect[ResolveRSSI](effects)
	s.Require().Len(resolved, 1)
	s.ErrorIs(resolved[0].Err, device.ErrDisconnectedUnexpectedly)
	s.False(s.model.RSSIPending)
}

func (s *MachineTestSuite) TestPendingRSSIResolvesOnRequestedDisconnect() {
	s.toReady()
	s.apply(CmdReadRSSI{})
	s.apply(CmdDisconnect{})

	resolved := collect[ResolveRSSI](s.event(device.PeripheralDisconnected{ID: peripheralID}))

	s.Require().Len(resolved, 1)
	s.ErrorIs(resolved[0].Err, device.ErrNotConnected, "requested disconnect MUST NOT look unexpected")
	s.NotErrorIs(resolved[0].Err, device.ErrDisconnectedUnexpectedly)
	s.False(s.model.RSSIPending)
	s.Equal(device.StateIdle, s.model.State)
}

func (s *MachineTestSuite) TestScanWindow() {
	// GOAL: Verify a scan window opens, records sightings and closes once
	//
	// TEST SCENARIO: Start scan → two sightings → timeout → one scan result, Idle

	s.powerOn()

	effects := s.apply(CmdStartScan{Timeout: 2 * time.Second})
	s.Equal(device.StateScanning, s.model.State)
	s.Len(collect[ClearRegistry](effects), 1, "registry MUST be reset for a new scan")
	s.Equal([]StartScan{{Services: []string{device.DefaultServiceUUID}}}, collect[StartScan](effects))
	armed := collect[ArmScanTimer](effects)
	s.Require().Len(armed, 1)
	s.Equal(2*time.Second, armed[0].Timeout)

	for _, rssi := range []int{-70, -50} {
		effects = s.event(device.PeripheralDiscovered{Identity: device.Identity{ID: peripheralID, RSSI: rssi}})
		s.Len(collect[RecordDiscovery](effects), 1)
		s.Empty(collect[StateChanged](effects), "discoveries MUST NOT change state")
	}

	effects = s.apply(ScanTimeout{Generation: armed[0].Generation})
	s.Equal(device.StateIdle, s.model.State)
	s.Len(collect[StopScan](effects), 1)
	s.Len(collect[DeliverScanResult](effects), 1)

	s.Empty(collect[DeliverScanResult](s.apply(ScanTimeout{Generation: armed[0].Generation})),
		"a second expiry MUST NOT deliver again")
}

func (s *MachineTestSuite) TestStaleScanTimeoutIsIgnored() {
	s.powerOn()
	first := collect[ArmScanTimer](s.apply(CmdStartScan{Timeout: time.Second}))[0]
	s.apply(CmdStopScan{})
	second := collect[ArmScanTimer](s.apply(CmdStartScan{Timeout: time.Second}))[0]
	s.NotEqual(first.Generation, second.Generation)

	effects := s.apply(ScanTimeout{Generation: first.Generation})

	s.Equal(device.StateScanning, s.model.State, "stale timer MUST NOT end the new scan")
	s.Empty(collect[DeliverScanResult](effects))
}

func (s *MachineTestSuite) TestStopScanDeliversOnce() {
	s.powerOn()
	s.apply(CmdStartScan{Timeout: time.Minute})

	effects := s.apply(CmdStopScan{})
	s.Len(collect[CancelScanTimer](effects), 1, "early stop MUST cancel the timer")
	s.Len(collect[DeliverScanResult](effects), 1)
	s.Equal(device.StateIdle, s.model.State)

	s.Empty(s.apply(CmdStopScan{}), "stopping an idle machine MUST be a no-op")
}

func (s *MachineTestSuite) TestScanWhileBusyIsRejected() {
	s.powerOn()
	s.apply(CmdStartScan{Timeout: time.Minute})

	s.ErrorIs(Rejection(s.apply(CmdStartScan{Timeout: time.Minute})), device.ErrBusy)
	s.ErrorIs(Rejection(s.apply(CmdConnect{ID: peripheralID})), device.ErrBusy)
}

func (s *MachineTestSuite) TestRadioOffEndsScan() {
	s.powerOn()
	s.apply(CmdStartScan{Timeout: time.Minute})

	effects := s.event(device.RadioStateChanged{State: device.RadioPoweredOff})

	s.Equal(device.StateIdle, s.model.State)
	delivered := collect[DeliverScanResult](effects)
	s.Require().Len(delivered, 1)
	s.ErrorIs(delivered[0].Err, device.ErrRadioUnavailable)
	s.Equal([]NotifyRadioState{{State: device.RadioPoweredOff}}, collect[NotifyRadioState](effects))
}

func (s *MachineTestSuite) TestServiceDiscoveryErrorGoesIdle() {
	// GOAL: Verify a service discovery error ends in Idle with DiscoveryFailed and no handles
	//
	// TEST SCENARIO: connect → connected → discovery error → Idle, error reported, link cancelled

	s.powerOn()
	s.apply(CmdConnect{ID: peripheralID})
	s.event(device.PeripheralConnected{ID: peripheralID})

	effects := s.event(device.ServicesDiscovered{ID: peripheralID, Err: errors.New("att timeout")})

	s.Equal(device.StateIdle, s.model.State)
	reported := collect[ReportError](effects)
	s.Require().Len(reported, 1)
	s.ErrorIs(reported[0].Err, device.ErrDiscoveryFailed)
	s.Equal([]CancelConnection{{ID: peripheralID}}, collect[CancelConnection](effects))
	s.Equal(device.Handles{}, s.model.Handles, "no handles MUST be populated")
	s.Empty(collect[DiscoverCharacteristics](effects), "discovery MUST NOT be retried")

	s.Empty(collect[Connect](s.event(device.PeripheralDisconnected{ID: peripheralID})),
		"the cancelled link MUST NOT trigger a reconnect")
	s.Equal(device.StateIdle, s.model.State)
}

func (s *MachineTestSuite) TestMissingServiceIsDiscoveryFailure() {
	s.powerOn()
	s.apply(CmdConnect{ID: peripheralID})
	s.event(device.PeripheralConnected{ID: peripheralID})

	effects := s.event(device.ServicesDiscovered{
		ID:       peripheralID,
		Services: []device.DiscoveredService{{UUID: "180d", Handle: 0x01}},
	})

	s.Equal(device.StateIdle, s.model.State)
	reported := collect[ReportError](effects)
	s.Require().Len(reported, 1)
	s.ErrorIs(reported[0].Err, device.ErrDiscoveryFailed)
	var notFound *device.NotFoundError
	s.ErrorAs(reported[0].Err, &notFound)
}

func (s *MachineTestSuite) TestMissingCharacteristicIsDiscoveryFailure() {
	s.powerOn()
	s.apply(CmdConnect{ID: peripheralID})
	s.event(device.PeripheralConnected{ID: peripheralID})
	s.event(device.ServicesDiscovered{
		ID:       peripheralID,
		Services: []device.DiscoveredService{{UUID: device.DefaultServiceUUID, Handle: serviceHandle}},
	})

	effects := s.event(device.CharacteristicsDiscovered{
		ID:              peripheralID,
		Service:         serviceHandle,
		Characteristics: []device.DiscoveredCharacteristic{{UUID: device.DefaultTXCharUUID, Handle: txHandle}},
	})

	s.Equal(device.StateIdle, s.model.State)
	s.Equal(device.Handles{}, s.model.Handles)
	s.Len(collect[ReportError](effects), 1)
	s.Empty(collect[SetNotify](effects))
}

func (s *MachineTestSuite) TestConnectFailureGoesIdle() {
	s.powerOn()
	s.apply(CmdConnect{ID: peripheralID})

	effects := s.event(device.PeripheralConnectFailed{ID: peripheralID, Err: errors.New("timeout")})

	s.Equal(device.StateIdle, s.model.State)
	s.Empty(s.model.Target)
	reported := collect[ReportError](effects)
	s.Require().Len(reported, 1)
	s.ErrorIs(reported[0].Err, device.ErrConnectFailed)
	s.ErrorContains(reported[0].Err, "timeout")
}

func (s *MachineTestSuite) TestWriteThenDisconnectReconnectsWithStaleHandles() {
	// GOAL: Verify an unacknowledged write followed by a drop goes to Reconnecting with stale handles
	//
	// TEST SCENARIO: Ready → write → disconnect → Reconnecting, handles kept → rediscovery replaces them

	s.toReady()
	s.Len(collect[Write](s.apply(CmdWrite{Data: []byte("ping")})), 1)

	effects := s.event(device.PeripheralDisconnected{ID: peripheralID, Err: errors.New("supervision timeout")})

	s.Equal([]StateChanged{
		{From: device.StateReady, To: device.StateDisconnected},
		{From: device.StateDisconnected, To: device.StateReconnecting},
	}, collect[StateChanged](effects), "state MUST pass through Disconnected to Reconnecting")
	s.Equal(device.StateReconnecting, s.model.State)
	s.Len(collect[NotifyDisconnected](effects), 1)
	s.Equal(device.Handles{RX: rxHandle, TX: txHandle}, s.model.Handles, "handles MUST stay stale while reconnecting")
	s.Equal([]Connect{{ID: peripheralID}}, collect[Connect](effects))

	s.Empty(collect[Write](s.apply(CmdWrite{Data: []byte("pong")})), "stale handles MUST NOT be written")

	s.event(device.PeripheralConnected{ID: peripheralID})
	s.Equal(device.Handles{RX: rxHandle, TX: txHandle}, s.model.Handles, "handles MUST stay until rediscovery")
	s.event(device.ServicesDiscovered{
		ID:       peripheralID,
		Services: []device.DiscoveredService{{UUID: device.DefaultServiceUUID, Handle: 0x20}},
	})
	s.event(device.CharacteristicsDiscovered{
		ID:      peripheralID,
		Service: 0x20,
		Characteristics: []device.DiscoveredCharacteristic{
			{UUID: device.DefaultRXCharUUID, Handle: 0x22},
			{UUID: device.DefaultTXCharUUID, Handle: 0x24},
		},
	})
	s.Equal(device.StateReady, s.model.State)
	s.Equal(device.Handles{RX: 0x22, TX: 0x24}, s.model.Handles, "rediscovery MUST replace stale handles")
}

func (s *MachineTestSuite) TestExactlyOneReconnectPerDisconnect() {
	// GOAL: Verify unbounded retry issues one reconnect per disconnect until success
	//
	// TEST SCENARIO: Repeated drops and failures each yield exactly one connect; success stops the loop

	s.toReady()

	for i := 0; i < 25; i++ {
		var effects []Effect
		if i%2 == 0 {
			effects = s.event(device.PeripheralDisconnected{ID: peripheralID})
		} else {
			effects = s.event(device.PeripheralConnectFailed{ID: peripheralID, Err: errors.New("unreachable")})
		}
		s.Len(collect[Connect](effects), 1, "iteration %d: exactly one reconnect MUST be issued", i)
		s.Equal(device.StateReconnecting, s.model.State)
	}

	effects := s.event(device.PeripheralConnected{ID: peripheralID})
	s.Equal(device.StateDiscoveringServices, s.model.State)
	s.Empty(collect[Connect](effects))
	s.Zero(s.model.ReconnectAttempt, "attempts MUST reset after a successful connect")
}

func (s *MachineTestSuite) TestExplicitDisconnectStopsReconnecting() {
	s.toReady()
	s.event(device.PeripheralDisconnected{ID: peripheralID})
	s.Require().Equal(device.StateReconnecting, s.model.State)

	effects := s.apply(CmdDisconnect{})

	s.False(s.model.AutoReconnect)
	s.Equal(device.StateIdle, s.model.State)
	s.Equal(device.Handles{}, s.model.Handles)
	s.Len(collect[CancelReconnect](effects), 1)
	s.Equal([]CancelConnection{{ID: peripheralID}}, collect[CancelConnection](effects))

	s.Empty(collect[Connect](s.event(device.PeripheralConnectFailed{ID: peripheralID})))
	s.Empty(collect[Connect](s.event(device.PeripheralDisconnected{ID: peripheralID})))
	s.Equal(device.StateIdle, s.model.State)
}

func (s *MachineTestSuite) TestExplicitDisconnectFromReady() {
	s.toReady()

	effects := s.apply(CmdDisconnect{})
	s.Equal([]CancelConnection{{ID: peripheralID}}, collect[CancelConnection](effects))
	s.Equal(device.StateReady, s.model.State, "the disconnect event completes the transition")
	s.False(s.model.AutoReconnect)

	effects = s.event(device.PeripheralDisconnected{ID: peripheralID})
	s.Equal(device.StateIdle, s.model.State)
	s.Equal(device.Handles{}, s.model.Handles, "handles MUST be cleared without reconnect")
	s.Empty(collect[Connect](effects))
	s.Empty(collect[ReportError](effects), "an expected disconnect MUST NOT be reported as an error")
	s.Len(collect[NotifyDisconnected](effects), 1)
}

func (s *MachineTestSuite) TestDisconnectWhileConnectingCancelsLateLink() {
	s.powerOn()
	s.apply(CmdConnect{ID: peripheralID})

	s.apply(CmdDisconnect{})
	s.Equal(device.StateIdle, s.model.State)

	effects := s.event(device.PeripheralConnected{ID: peripheralID})
	s.Equal(device.StateIdle, s.model.State)
	s.Equal([]CancelConnection{{ID: peripheralID}}, collect[CancelConnection](effects),
		"a link completing after disconnect MUST be cancelled")
}

func (s *MachineTestSuite) TestDelayedReconnectUsesBackoff() {
	s.machine = New(Policy{Reconnect: Backoff{InitialDelay: time.Second, MaxDelay: 3 * time.Second}})
	s.toReady()

	s.Len(collect[Connect](s.event(device.PeripheralDisconnected{ID: peripheralID})), 1,
		"first reconnect MUST be immediate")

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		effects := s.event(device.PeripheralConnectFailed{ID: peripheralID})
		s.Empty(collect[Connect](effects))
		scheduled := collect[ScheduleReconnect](effects)
		s.Require().Len(scheduled, 1)
		delays = append(delays, scheduled[0].Delay)

		due := s.apply(ReconnectDue{Generation: scheduled[0].Generation})
		s.Len(collect[Connect](due), 1)
	}
	s.Equal([]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, delays)
}

func (s *MachineTestSuite) TestStaleReconnectTimerIsIgnored() {
	s.machine = New(Policy{Reconnect: Backoff{InitialDelay: time.Second}})
	s.toReady()
	s.event(device.PeripheralDisconnected{ID: peripheralID})
	scheduled := collect[ScheduleReconnect](s.event(device.PeripheralConnectFailed{ID: peripheralID}))
	s.Require().Len(scheduled, 1)

	s.apply(CmdDisconnect{})

	s.Empty(collect[Connect](s.apply(ReconnectDue{Generation: scheduled[0].Generation})))
	s.Equal(device.StateIdle, s.model.State)
}

func (s *MachineTestSuite) TestMaxAttemptsGivesUp() {
	s.machine = New(Policy{Reconnect: Backoff{MaxAttempts: 2}})
	s.toReady()

	s.Len(collect[Connect](s.event(device.PeripheralDisconnected{ID: peripheralID})), 1)
	s.Len(collect[Connect](s.event(device.PeripheralConnectFailed{ID: peripheralID})), 1)

	effects := s.event(device.PeripheralConnectFailed{ID: peripheralID})
	s.Empty(collect[Connect](effects))
	s.Equal(device.StateIdle, s.model.State)
	reported := collect[ReportError](effects)
	s.Require().Len(reported, 1)
	s.ErrorIs(reported[0].Err, device.ErrConnectFailed)
}

func (s *MachineTestSuite) TestReconnectWaitsForRadio() {
	s.toReady()
	s.event(device.RadioStateChanged{State: device.RadioPoweredOff})

	effects := s.event(device.PeripheralDisconnected{ID: peripheralID})
	s.Equal(device.StateReconnecting, s.model.State)
	s.Empty(collect[Connect](effects), "reconnect MUST wait for the radio")
	s.True(s.model.AwaitingRadio)

	effects = s.event(device.RadioStateChanged{State: device.RadioPoweredOn})
	s.Equal([]Connect{{ID: peripheralID}}, collect[Connect](effects))
	s.False(s.model.AwaitingRadio)
}

func (s *MachineTestSuite) TestConnectFromReconnectingReplacesTarget() {
	s.toReady()
	s.event(device.PeripheralDisconnected{ID: peripheralID})

	effects := s.apply(CmdConnect{ID: "11:22:33:44:55:66"})

	s.Equal(device.StateConnecting, s.model.State)
	s.Equal("11:22:33:44:55:66", s.model.Target)
	s.Len(collect[CancelReconnect](effects), 1)
	s.Equal([]CancelConnection{{ID: peripheralID}}, collect[CancelConnection](effects))
	s.Equal(device.Handles{}, s.model.Handles)
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
