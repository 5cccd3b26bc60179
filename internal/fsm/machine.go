package fsm

import (
	"fmt"

	"github.com/srg/blekit/internal/device"
)

// Policy is the static configuration of a Machine.
type Policy struct {
	Service   device.ServiceDescriptor
	Reconnect Backoff
	// WriteWithoutResponse switches RX writes to unacknowledged. Writes are acknowledged by default.
	WriteWithoutResponse bool
	// ChunkSize splits writes into payloads of at most this many bytes. Zero disables chunking.
	ChunkSize int
}

// Machine applies Policy to inputs. It carries no mutable state.
type Machine struct {
	policy Policy
}

// New creates a Machine. A zero service descriptor selects the default one.
func New(policy Policy) Machine {
	if policy.Service == (device.ServiceDescriptor{}) {
		policy.Service = device.DefaultServiceDescriptor()
	}
	if policy.ChunkSize < 0 {
		policy.ChunkSize = 0
	}
	return Machine{policy: policy}
}

// Policy returns the effective policy.
func (mc Machine) Policy() Policy {
	return mc.policy
}

// step accumulates one transition.
type step struct {
	m       Model
	effects []Effect
}

func (s *step) emit(effects ...Effect) {
	s.effects = append(s.effects, effects...)
}

func (s *step) enter(to device.ConnectionState) {
	if s.m.State == to {
		return
	}
	s.emit(StateChanged{From: s.m.State, To: to})
	s.m.State = to
}

func (s *step) clearLink() {
	s.m.Target = ""
	s.m.Service = device.NoHandle
	s.m.Handles = device.Handles{}
	s.m.AwaitingRadio = false
}

// Step computes the transition for one input.
func (mc Machine) Step(m Model, in Input) (Model, []Effect) {
	s := &step{m: m}

	switch in := in.(type) {
	case CmdStartScan:
		if rejected := mc.startScan(s, in); rejected != nil {
			return m, []Effect{Reject{Err: rejected}}
		}
	case CmdStopScan:
		if s.m.State == device.StateScanning {
			s.emit(StopScan{}, CancelScanTimer{})
			s.enter(device.StateIdle)
			s.emit(DeliverScanResult{})
		}
	case ScanTimeout:
		if s.m.State != device.StateScanning || in.Generation != s.m.ScanGen {
			s.emit(Debug{Msg: "stale scan timeout ignored"})
			break
		}
		s.emit(StopScan{})
		s.enter(device.StateIdle)
		s.emit(DeliverScanResult{})
	case CmdConnect:
		if rejected := mc.connect(s, in.ID); rejected != nil {
			return m, []Effect{Reject{Err: rejected}}
		}
	case CmdDisconnect:
		mc.disconnect(s)
	case ReconnectDue:
		if s.m.State != device.StateReconnecting || in.Generation != s.m.ReconnectGen {
			s.emit(Debug{Msg: "stale reconnect timer ignored"})
			break
		}
		mc.issueReconnect(s)
	case CmdRead:
		if !s.m.DataPathReady(device.RoleTX) {
			return m, []Effect{Reject{Err: device.Wrapf(device.DataPathUnavailable, "read requires %s state", device.StateReady)}}
		}
		s.emit(Read{ID: s.m.Target, Handle: s.m.Handles.TX})
	case CmdWrite:
		mc.write(s, in.Data)
	case CmdSetNotify:
		if !s.m.DataPathReady(device.RoleTX) {
			return m, []Effect{Reject{Err: device.Wrapf(device.DataPathUnavailable, "notifications require %s state", device.StateReady)}}
		}
		s.emit(SetNotify{ID: s.m.Target, Handle: s.m.Handles.TX, Enabled: in.Enabled})
	case CmdReadRSSI:
		if s.m.State != device.StateReady {
			return m, []Effect{Reject{Err: device.Wrapf(device.DataPathUnavailable, "RSSI requires %s state", device.StateReady)}}
		}
		if s.m.RSSIPending {
			return m, []Effect{Reject{Err: device.ErrRSSIPending}}
		}
		s.m.RSSIPending = true
		s.emit(ReadRSSI{ID: s.m.Target})
	case TransportEvent:
		mc.dispatch(s, in.Event)
	default:
		s.emit(Warn{Msg: fmt.Sprintf("unhandled input %T", in)})
	}

	return s.m, s.effects
}

func (mc Machine) startScan(s *step, cmd CmdStartScan) error {
	if !s.m.Radio.Ready() {
		return device.Wrapf(device.RadioUnavailable, "radio is %s", s.m.Radio)
	}
	if s.m.State != device.StateIdle {
		return fmt.Errorf("%w: cannot scan while %s", device.ErrBusy, s.m.State)
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("scan timeout must be positive, got %s", cmd.Timeout)
	}

	s.m.ScanGen++
	s.enter(device.StateScanning)
	s.emit(
		ClearRegistry{},
		StartScan{Services: []string{mc.policy.Service.Service}},
		ArmScanTimer{Generation: s.m.ScanGen, Timeout: cmd.Timeout},
	)
	return nil
}

// endScan closes a scan window the transport or radio ended on its own.
func (mc Machine) endScan(s *step, cause error) {
	s.emit(CancelScanTimer{})
	s.enter(device.StateIdle)
	s.emit(DeliverScanResult{Err: cause})
}

func (mc Machine) connect(s *step, rawID string) error {
	if !s.m.Radio.Ready() {
		return device.Wrapf(device.RadioUnavailable, "radio is %s", s.m.Radio)
	}
	id := device.NormalizeID(rawID)
	if id == "" {
		return device.Wrapf(device.ConnectFailed, "empty peripheral identifier")
	}

	switch s.m.State {
	case device.StateIdle:
	case device.StateReconnecting:
		s.m.ReconnectGen++
		s.emit(CancelReconnect{})
		if s.m.Target != id {
			s.emit(CancelConnection{ID: s.m.Target})
			s.clearLink()
		}
	default:
		return fmt.Errorf("%w: cannot connect while %s", device.ErrBusy, s.m.State)
	}

	s.m.Target = id
	s.m.ReconnectAttempt = 0
	s.m.AwaitingRadio = false
	s.enter(device.StateConnecting)
	s.emit(Connect{ID: id})
	return nil
}

func (mc Machine) disconnect(s *step) {
	s.m.AutoReconnect = false

	switch s.m.State {
	case device.StateConnecting:
		s.emit(CancelConnection{ID: s.m.Target})
		s.clearLink()
		s.enter(device.StateIdle)
	case device.StateReconnecting:
		s.m.ReconnectGen++
		s.emit(CancelReconnect{}, CancelConnection{ID: s.m.Target})
		s.clearLink()
		s.enter(device.StateIdle)
	case device.StateDiscoveringServices, device.StateDiscoveringCharacteristics, device.StateReady:
		// The disconnect event completes the transition to Idle.
		s.emit(CancelConnection{ID: s.m.Target})
	default:
		s.emit(Debug{Msg: fmt.Sprintf("disconnect in %s: nothing to cancel", s.m.State)})
	}
}

func (mc Machine) write(s *step, data []byte) {
	if !s.m.DataPathReady(device.RoleRX) {
		s.emit(Debug{Msg: fmt.Sprintf("write ignored: data path unavailable in %s", s.m.State)})
		return
	}
	if len(data) == 0 {
		s.emit(Debug{Msg: "write ignored: empty payload"})
		return
	}

	size := mc.policy.ChunkSize
	if size <= 0 {
		size = len(data)
	}
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-off)
		copy(chunk, data[off:end])
		s.emit(Write{
			ID:           s.m.Target,
			Handle:       s.m.Handles.RX,
			Data:         chunk,
			WithResponse: !mc.policy.WriteWithoutResponse,
		})
	}
}

// reconnect counts one failed link and requests exactly one new attempt.
// The caller has already entered Reconnecting.
func (mc Machine) reconnect(s *step) {
	attempt := s.m.ReconnectAttempt + 1
	if mc.policy.Reconnect.Exhausted(attempt) {
		s.emit(ReportError{Err: device.Wrapf(device.ConnectFailed,
			"giving up on %s after %d reconnect attempts", s.m.Target, mc.policy.Reconnect.MaxAttempts)})
		s.emit(CancelConnection{ID: s.m.Target})
		s.clearLink()
		s.m.ReconnectAttempt = 0
		s.enter(device.StateIdle)
		return
	}
	s.m.ReconnectAttempt = attempt

	delay := mc.policy.Reconnect.Delay(attempt)
	if delay > 0 {
		s.m.ReconnectGen++
		s.emit(ScheduleReconnect{Generation: s.m.ReconnectGen, Delay: delay, Attempt: attempt})
		return
	}
	mc.issueReconnect(s)
}

func (mc Machine) issueReconnect(s *step) {
	if !s.m.Radio.Ready() {
		s.m.AwaitingRadio = true
		s.emit(Debug{Msg: fmt.Sprintf("reconnect deferred: radio is %s", s.m.Radio)})
		return
	}
	s.m.AwaitingRadio = false
	s.emit(Connect{ID: s.m.Target})
}

func (mc Machine) failDiscovery(s *step, cause error) {
	s.emit(ReportError{Err: device.Wrap(device.DiscoveryFailed, cause)})
	s.emit(CancelConnection{ID: s.m.Target})
	s.clearLink()
	s.enter(device.StateIdle)
}

func (mc Machine) dispatch(s *step, ev device.Event) {
	switch ev := ev.(type) {
	case device.RadioStateChanged:
		s.m.Radio = ev.State
		s.emit(NotifyRadioState{State: ev.State})
		switch {
		case s.m.State == device.StateScanning && !ev.State.Ready():
			mc.endScan(s, device.Wrapf(device.RadioUnavailable, "radio is %s", ev.State))
		case s.m.State == device.StateReconnecting && s.m.AwaitingRadio && ev.State.Ready():
			mc.issueReconnect(s)
		}

	case device.ScanStopped:
		if s.m.State != device.StateScanning {
			s.emit(Debug{Msg: "scan stop ignored outside a scan window"})
			return
		}
		mc.endScan(s, ev.Err)

	case device.PeripheralDiscovered:
		if s.m.State != device.StateScanning {
			s.emit(Debug{Msg: "discovery outside a scan window dropped"})
			return
		}
		s.emit(RecordDiscovery{Identity: ev.Identity})

	case device.PeripheralConnected:
		mc.onConnected(s, device.NormalizeID(ev.ID))

	case device.PeripheralConnectFailed:
		id := device.NormalizeID(ev.ID)
		if id != s.m.Target {
			s.emit(Debug{Msg: fmt.Sprintf("connect failure for untracked peripheral %s dropped", id)})
			return
		}
		switch s.m.State {
		case device.StateConnecting:
			s.emit(ReportError{Err: device.Wrap(device.ConnectFailed, ev.Err)})
			s.clearLink()
			s.enter(device.StateIdle)
		case device.StateReconnecting:
			s.emit(Warn{Msg: "reconnect attempt failed", Err: ev.Err})
			mc.reconnect(s)
		default:
			s.emit(Debug{Msg: fmt.Sprintf("connect failure in %s dropped", s.m.State)})
		}

	case device.PeripheralDisconnected:
		mc.onDisconnected(s, device.NormalizeID(ev.ID), ev.Err)

	case device.ServicesDiscovered:
		if s.m.State != device.StateDiscoveringServices || device.NormalizeID(ev.ID) != s.m.Target {
			s.emit(Debug{Msg: "service discovery result dropped"})
			return
		}
		if ev.Err != nil {
			mc.failDiscovery(s, ev.Err)
			return
		}
		handle := device.NoHandle
		for _, svc := range ev.Services {
			if device.MatchUUID(svc.UUID, mc.policy.Service.Service) {
				handle = svc.Handle
				break
			}
		}
		if handle == device.NoHandle {
			mc.failDiscovery(s, &device.NotFoundError{Resource: "service", UUIDs: []string{mc.policy.Service.Service}})
			return
		}
		s.m.Service = handle
		s.enter(device.StateDiscoveringCharacteristics)
		s.emit(DiscoverCharacteristics{
			ID:              s.m.Target,
			Service:         handle,
			Characteristics: mc.policy.Service.Characteristics(),
		})

	case device.CharacteristicsDiscovered:
		if s.m.State != device.StateDiscoveringCharacteristics || device.NormalizeID(ev.ID) != s.m.Target {
			s.emit(Debug{Msg: "characteristic discovery result dropped"})
			return
		}
		if ev.Err != nil {
			mc.failDiscovery(s, ev.Err)
			return
		}
		var handles device.Handles
		for _, c := range ev.Characteristics {
			role, ok := mc.policy.Service.RoleFor(c.UUID)
			if !ok || c.Handle == device.NoHandle {
				continue
			}
			if role == device.RoleRX && handles.RX == device.NoHandle {
				handles.RX = c.Handle
			}
			if role == device.RoleTX && handles.TX == device.NoHandle {
				handles.TX = c.Handle
			}
		}
		svc := mc.policy.Service
		switch {
		case handles.RX == device.NoHandle:
			mc.failDiscovery(s, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.Service, svc.RX}})
			return
		case handles.TX == device.NoHandle:
			mc.failDiscovery(s, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.Service, svc.TX}})
			return
		}
		s.m.Handles = handles
		s.emit(SetNotify{ID: s.m.Target, Handle: handles.TX, Enabled: true})
		s.enter(device.StateReady)

	case device.ValueUpdated:
		if s.m.State != device.StateReady || device.NormalizeID(ev.ID) != s.m.Target {
			s.emit(Debug{Msg: "value update outside ready state dropped"})
			return
		}
		if ev.Err != nil {
			s.emit(Warn{Msg: "value update failed", Err: ev.Err})
			return
		}
		if role, ok := s.m.Handles.RoleOf(ev.Handle); !ok || role != device.RoleTX {
			s.emit(Debug{Msg: fmt.Sprintf("value update for non-TX handle %d dropped", ev.Handle)})
			return
		}
		s.emit(NotifyData{Data: ev.Data})

	case device.NotificationStateChanged:
		if ev.Err != nil {
			s.emit(Warn{Msg: "notification state change failed", Err: ev.Err})
			return
		}
		s.emit(Debug{Msg: fmt.Sprintf("notifications on handle %d enabled=%t", ev.Handle, ev.Enabled)})

	case device.WriteCompleted:
		if ev.Err != nil {
			s.emit(Warn{Msg: "write failed", Err: ev.Err})
			return
		}
		s.emit(Debug{Msg: fmt.Sprintf("write to handle %d acknowledged", ev.Handle)})

	case device.RSSIRead:
		if !s.m.RSSIPending {
			s.emit(Debug{Msg: "unsolicited RSSI reading dropped"})
			return
		}
		s.m.RSSIPending = false
		s.emit(ResolveRSSI{RSSI: ev.RSSI, Err: ev.Err})

	default:
		s.emit(Warn{Msg: fmt.Sprintf("unhandled transport event %T", ev)})
	}
}

func (mc Machine) onConnected(s *step, id string) {
	matches := id == s.m.Target
	switch {
	case matches && (s.m.State == device.StateConnecting || s.m.State == device.StateReconnecting):
	case matches && s.m.State.Linked():
		s.emit(Debug{Msg: "duplicate connect event dropped"})
		return
	default:
		// Connect completed after the request was abandoned.
		s.emit(Warn{Msg: fmt.Sprintf("unexpected connection to %s in %s, cancelling", id, s.m.State)})
		s.emit(CancelConnection{ID: id})
		return
	}

	if s.m.State == device.StateReconnecting {
		s.m.ReconnectGen++
		s.emit(CancelReconnect{})
	}
	s.m.AutoReconnect = true
	s.m.ReconnectAttempt = 0
	s.m.AwaitingRadio = false
	s.enter(device.StateDiscoveringServices)
	s.emit(
		SaveIdentity{ID: id},
		NotifyConnected{ID: id},
		DiscoverServices{ID: id, Services: []string{mc.policy.Service.Service}},
	)
}

func (mc Machine) onDisconnected(s *step, id string, cause error) {
	if s.m.State == device.StateIdle || s.m.State == device.StateScanning || id != s.m.Target {
		s.emit(Debug{Msg: fmt.Sprintf("disconnect of %s in %s dropped", id, s.m.State)})
		return
	}

	if s.m.State == device.StateReconnecting {
		// A reconnect attempt that never came up.
		if s.m.AutoReconnect {
			mc.reconnect(s)
			return
		}
		s.clearLink()
		s.enter(device.StateIdle)
		return
	}

	s.enter(device.StateDisconnected)
	s.emit(NotifyDisconnected{ID: id, Err: cause})
	if s.m.RSSIPending {
		s.m.RSSIPending = false
		err := device.ErrNotConnected
		if s.m.AutoReconnect {
			err = device.Wrap(device.DisconnectedUnexpectedly, cause)
		}
		s.emit(ResolveRSSI{Err: err})
	}

	if !s.m.AutoReconnect {
		s.clearLink()
		s.enter(device.StateIdle)
		return
	}

	s.emit(ReportError{Err: device.Wrap(device.DisconnectedUnexpectedly, cause)})
	s.enter(device.StateReconnecting)
	mc.reconnect(s)
}
