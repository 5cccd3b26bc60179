package central

import (
	"github.com/srg/blekit/internal/device"
)

// Handler receives connection outcomes. Callbacks run on a dedicated
// goroutine in the order the central produced them, so they may call back
// into the Central. They must not call Close.
type Handler interface {
	OnRadioStateChanged(state device.RadioState)
	OnConnected(id string)
	OnDisconnected(id string, err error)
	OnDataReceived(data []byte)
}

// ErrorHandler is implemented by handlers that want ConnectFailed,
// DiscoveryFailed and DisconnectedUnexpectedly failures.
type ErrorHandler interface {
	OnError(err error)
}

// StateHandler is implemented by handlers that follow every state transition.
type StateHandler interface {
	OnStateChanged(from, to device.ConnectionState)
}

// HandlerFuncs adapts optional functions to Handler, ErrorHandler and StateHandler.
type HandlerFuncs struct {
	RadioStateChanged func(state device.RadioState)
	Connected         func(id string)
	Disconnected      func(id string, err error)
	DataReceived      func(data []byte)
	Error             func(err error)
	StateChanged      func(from, to device.ConnectionState)
}

func (h HandlerFuncs) OnRadioStateChanged(state device.RadioState) {
	if h.RadioStateChanged != nil {
		h.RadioStateChanged(state)
	}
}

func (h HandlerFuncs) OnConnected(id string) {
	if h.Connected != nil {
		h.Connected(id)
	}
}

func (h HandlerFuncs) OnDisconnected(id string, err error) {
	if h.Disconnected != nil {
		h.Disconnected(id, err)
	}
}

func (h HandlerFuncs) OnDataReceived(data []byte) {
	if h.DataReceived != nil {
		h.DataReceived(data)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h HandlerFuncs) OnStateChanged(from, to device.ConnectionState) {
	if h.StateChanged != nil {
		h.StateChanged(from, to)
	}
}
