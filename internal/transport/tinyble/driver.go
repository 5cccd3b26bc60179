package tinyble

import (
	"fmt"
	"strconv"

	"tinygo.org/x/bluetooth"

	"github.com/srg/blekit/internal/device"
)

// sighting is one advertisement as reported by the adapter.
type sighting struct {
	Addr string
	Name string
	RSSI int
	Has  func(bluetooth.UUID) bool
}

// radio is the part of *bluetooth.Adapter the transport drives.
type radio interface {
	Enable() error
	OnDisconnect(func(addr string))
	Scan(func(sighting)) error
	StopScan() error
	Connect(addr string) (link, error)
}

// link is an established connection.
type link interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]remoteService, error)
	Disconnect() error
}

type remoteService interface {
	UUID() bluetooth.UUID
	DiscoverCharacteristics(uuids []bluetooth.UUID) ([]remoteCharacteristic, error)
}

// remoteCharacteristic is the method set *bluetooth.DeviceCharacteristic
// has on every host OS. Read and acknowledged Write are platform specific
// and are reached through readable and ackWriter.
type remoteCharacteristic interface {
	UUID() bluetooth.UUID
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

var _ remoteCharacteristic = (*bluetooth.DeviceCharacteristic)(nil)

// readable is missing on darwin.
type readable interface {
	Read(data []byte) (int, error)
}

// ackWriter is missing on Linux.
type ackWriter interface {
	Write(p []byte) (int, error)
}

// newRadio returns the host adapter (can be overridden in tests)
var newRadio = func() radio {
	return &adapterRadio{adapter: bluetooth.DefaultAdapter}
}

type adapterRadio struct {
	adapter *bluetooth.Adapter
}

func (r *adapterRadio) Enable() error {
	return r.adapter.Enable()
}

// OnDisconnect hooks the adapter-level connect handler, which fires with
// connected=false when a peripheral drops.
func (r *adapterRadio) OnDisconnect(f func(addr string)) {
	r.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if !connected {
			f(dev.Address.String())
		}
	})
}

func (r *adapterRadio) Scan(f func(sighting)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		f(sighting{
			Addr: result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
			Has:  result.HasServiceUUID,
		})
	})
}

func (r *adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}

// Connect blocks until the adapter's own connect timeout.
func (r *adapterRadio) Connect(addr string) (link, error) {
	var a bluetooth.Address
	a.Set(addr)

	dev, err := r.adapter.Connect(a, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &deviceLink{dev: dev}, nil
}

type deviceLink struct {
	dev bluetooth.Device
}

func (l *deviceLink) DiscoverServices(uuids []bluetooth.UUID) ([]remoteService, error) {
	services, err := l.dev.DiscoverServices(uuids)
	if err != nil {
		return nil, err
	}
	out := make([]remoteService, len(services))
	for i := range services {
		out[i] = &deviceService{svc: &services[i]}
	}
	return out, nil
}

func (l *deviceLink) Disconnect() error {
	return l.dev.Disconnect()
}

type deviceService struct {
	svc *bluetooth.DeviceService
}

func (s *deviceService) UUID() bluetooth.UUID {
	return s.svc.UUID()
}

func (s *deviceService) DiscoverCharacteristics(uuids []bluetooth.UUID) ([]remoteCharacteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, err
	}
	out := make([]remoteCharacteristic, len(chars))
	for i := range chars {
		out[i] = &chars[i]
	}
	return out, nil
}

// parseUUID accepts every form device.NormalizeUUID does.
func parseUUID(s string) (bluetooth.UUID, error) {
	n := device.NormalizeUUID(s)
	switch len(n) {
	case 4:
		v, err := strconv.ParseUint(n, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New32BitUUID(uint32(v)), nil
	case 32:
		return bluetooth.ParseUUID(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:])
	default:
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", s)
	}
}
