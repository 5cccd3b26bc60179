package fsm

import (
	"time"

	"github.com/srg/blekit/internal/device"
)

// Effect is a side effect requested by Step and executed by the driver.
type Effect interface {
	effect()
}

// Transport requests.
type (
	StartScan struct {
		Services []string
	}
	StopScan         struct{}
	Connect          struct{ ID string }
	CancelConnection struct{ ID string }
	DiscoverServices struct {
		ID       string
		Services []string
	}
	DiscoverCharacteristics struct {
		ID              string
		Service         device.Handle
		Characteristics []string
	}
	SetNotify struct {
		ID      string
		Handle  device.Handle
		Enabled bool
	}
	Read struct {
		ID     string
		Handle device.Handle
	}
	Write struct {
		ID           string
		Handle       device.Handle
		Data         []byte
		WithResponse bool
	}
	ReadRSSI struct{ ID string }
)

// Timers.
type (
	ArmScanTimer struct {
		Generation uint64
		Timeout    time.Duration
	}
	CancelScanTimer   struct{}
	ScheduleReconnect struct {
		Generation uint64
		Delay      time.Duration
		Attempt    int
	}
	CancelReconnect struct{}
)

// Registry, session and scan result.
type (
	ClearRegistry   struct{}
	RecordDiscovery struct{ Identity device.Identity }
	// DeliverScanResult completes the open scan session with the registry snapshot.
	DeliverScanResult struct{ Err error }
	SaveIdentity      struct{ ID string }
	// ResolveRSSI completes the pending RSSI callback.
	ResolveRSSI struct {
		RSSI int
		Err  error
	}
)

// Application notifications.
type (
	NotifyRadioState   struct{ State device.RadioState }
	NotifyConnected    struct{ ID string }
	NotifyDisconnected struct {
		ID  string
		Err error
	}
	NotifyData   struct{ Data []byte }
	ReportError  struct{ Err error }
	StateChanged struct {
		From device.ConnectionState
		To   device.ConnectionState
	}
)

// Diagnostics and command outcome.
type (
	// Reject fails the command that produced it. The model is unchanged.
	Reject struct{ Err error }
	Warn   struct {
		Msg string
		Err error
	}
	Debug struct{ Msg string }
)

func (StartScan) effect()               {}
func (StopScan) effect()                {}
func (Connect) effect()                 {}
func (CancelConnection) effect()        {}
func (DiscoverServices) effect()        {}
func (DiscoverCharacteristics) effect() {}
func (SetNotify) effect()               {}
func (Read) effect()                    {}
func (Write) effect()                   {}
func (ReadRSSI) effect()                {}
func (ArmScanTimer) effect()            {}
func (CancelScanTimer) effect()         {}
func (ScheduleReconnect) effect()       {}
func (CancelReconnect) effect()         {}
func (ClearRegistry) effect()           {}
func (RecordDiscovery) effect()         {}
func (DeliverScanResult) effect()       {}
func (SaveIdentity) effect()            {}
func (ResolveRSSI) effect()             {}
func (NotifyRadioState) effect()        {}
func (NotifyConnected) effect()         {}
func (NotifyDisconnected) effect()      {}
func (NotifyData) effect()              {}
func (ReportError) effect()             {}
func (StateChanged) effect()            {}
func (Reject) effect()                  {}
func (Warn) effect()                    {}
func (Debug) effect()                   {}

// Rejection returns the error of the first Reject in effects, or nil.
func Rejection(effects []Effect) error {
	for _, e := range effects {
		if r, ok := e.(Reject); ok {
			return r.Err
		}
	}
	return nil
}
