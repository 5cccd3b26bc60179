// Package devicefactory selects the radio backend behind the central.
package devicefactory

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/transport/goble"
	"github.com/srg/blekit/internal/transport/tinyble"
)

// Backend names a radio driver.
type Backend string

const (
	// BackendGoBLE uses github.com/go-ble/ble (HCI sockets on Linux, CoreBluetooth on macOS).
	BackendGoBLE Backend = "goble"
	// BackendTinyGo uses tinygo.org/x/bluetooth (BlueZ D-Bus on Linux, CoreBluetooth, WinRT).
	BackendTinyGo Backend = "tinygo"
)

// Backends lists the supported drivers, default first.
func Backends() []Backend {
	return []Backend{BackendGoBLE, BackendTinyGo}
}

// Options configures whichever backend is selected. Zero values fall back
// to the backend defaults.
type Options struct {
	Backend        Backend
	ConnectTimeout time.Duration
	WriteDelay     time.Duration
	OpQueueSize    int
}

// TransportFactory creates the transport for opts.Backend.
// This is a variable so that it can be overridden in tests.
var TransportFactory = func(opts Options, logger *logrus.Logger) (device.Transport, error) {
	switch opts.Backend {
	case "", BackendGoBLE:
		return goble.New(goble.Options{
			ConnectTimeout: opts.ConnectTimeout,
			WriteDelay:     opts.WriteDelay,
			OpQueueSize:    opts.OpQueueSize,
		}, logger), nil
	case BackendTinyGo:
		return tinyble.New(tinyble.Options{
			WriteDelay:  opts.WriteDelay,
			OpQueueSize: opts.OpQueueSize,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown BLE backend %q (supported: %s, %s)", opts.Backend, BackendGoBLE, BackendTinyGo)
	}
}

// NewTransport creates the transport for opts.Backend.
func NewTransport(opts Options, logger *logrus.Logger) (device.Transport, error) {
	return TransportFactory(opts, logger)
}
