package fsm

import (
	"time"

	"github.com/srg/blekit/internal/device"
)

// Input is anything Step consumes.
type Input interface {
	input()
}

// CmdStartScan opens a scan window of Timeout.
type CmdStartScan struct {
	Timeout time.Duration
}

// CmdStopScan ends the current scan window early.
type CmdStopScan struct{}

// CmdConnect requests a connection to ID.
type CmdConnect struct {
	ID string
}

// CmdDisconnect is the explicit user disconnect.
type CmdDisconnect struct{}

// CmdRead reads the TX characteristic.
type CmdRead struct{}

// CmdWrite writes Data to the RX characteristic.
type CmdWrite struct {
	Data []byte
}

// CmdSetNotify toggles the TX subscription.
type CmdSetNotify struct {
	Enabled bool
}

// CmdReadRSSI requests the signal strength of the connected peripheral.
type CmdReadRSSI struct{}

// ScanTimeout fires when the scan window armed with Generation elapses.
type ScanTimeout struct {
	Generation uint64
}

// ReconnectDue fires when a delayed reconnect armed with Generation is due.
type ReconnectDue struct {
	Generation uint64
}

// TransportEvent carries one transport callback into the machine.
type TransportEvent struct {
	Event device.Event
}

func (CmdStartScan) input()   {}
func (CmdStopScan) input()    {}
func (CmdConnect) input()     {}
func (CmdDisconnect) input()  {}
func (CmdRead) input()        {}
func (CmdWrite) input()       {}
func (CmdSetNotify) input()   {}
func (CmdReadRSSI) input()    {}
func (ScanTimeout) input()    {}
func (ReconnectDue) input()   {}
func (TransportEvent) input() {}
