package fsm

import (
	"github.com/srg/blekit/internal/device"
)

// Model is the complete connection state owned by the event loop.
type Model struct {
	State device.ConnectionState
	Radio device.RadioState

	// Target is the normalized identifier of the peripheral being connected,
	// connected or reconnected. Empty when Idle or Scanning.
	Target string

	// AutoReconnect is set by every successful connect and cleared only by an
	// explicit disconnect.
	AutoReconnect bool

	Service device.Handle
	// Handles stay populated (stale) while reconnecting.
	Handles device.Handles

	RSSIPending bool

	ScanGen          uint64
	ReconnectGen     uint64
	ReconnectAttempt int
	// AwaitingRadio is set when a reconnect came due while the radio was not powered on.
	AwaitingRadio bool
}

// NewModel returns the initial model: Idle with an unknown radio.
func NewModel() Model {
	return Model{
		State: device.StateIdle,
		Radio: device.RadioUnknown,
	}
}

// DataPathReady reports whether reads, writes and subscriptions may be issued.
func (m Model) DataPathReady(role device.Role) bool {
	return m.State == device.StateReady && m.Handles.ForRole(role) != device.NoHandle
}
