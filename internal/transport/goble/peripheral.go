package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/transport"
)

// peripheral is the transport-side record of one remote device.
type peripheral struct {
	id   string
	addr string

	mu       sync.Mutex
	link     device.LinkState
	client   ble.Client
	dialStop context.CancelFunc
	// attempt invalidates dials that lost a race with CancelConnection.
	attempt uint64
	// cancelled is set by CancelConnection so the drop is not reported as a failure.
	cancelled bool
	services  map[device.Handle]*ble.Service
	chars     map[device.Handle]*ble.Characteristic
	gatt      *transport.Serial
}

func newPeripheral(id, addr string) *peripheral {
	return &peripheral{
		id:       id,
		addr:     addr,
		link:     device.LinkDisconnected,
		services: make(map[device.Handle]*ble.Service),
		chars:    make(map[device.Handle]*ble.Characteristic),
	}
}

func (p *peripheral) state() device.LinkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *peripheral) characteristic(h device.Handle) (*ble.Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[h]
	return c, ok
}

func (p *peripheral) service(h device.Handle) (*ble.Service, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[h]
	return s, ok
}

// reset forgets the link and every handle. The caller holds p.mu and closes
// the returned GATT worker.
func (p *peripheral) reset() *transport.Serial {
	gatt := p.gatt
	p.gatt = nil
	p.client = nil
	p.dialStop = nil
	p.attempt++
	p.link = device.LinkDisconnected
	p.services = make(map[device.Handle]*ble.Service)
	p.chars = make(map[device.Handle]*ble.Characteristic)
	return gatt
}
