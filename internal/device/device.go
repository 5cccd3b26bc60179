package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is a peripheral seen during a scan window.
type Identity struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// DisplayName returns the advertised name, falling back to the identifier.
func (i Identity) DisplayName() string {
	if i.Name == "" {
		return i.ID
	}
	return i.Name
}

// NormalizeID canonicalizes a peripheral identifier.
// UUID identifiers (CoreBluetooth) become upper-case dashed UUIDs, anything
// else (MAC addresses on Linux) is trimmed and upper-cased.
func NormalizeID(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		return ""
	}
	if u, err := uuid.Parse(s); err == nil {
		return strings.ToUpper(u.String())
	}
	return strings.ToUpper(s)
}

// Role is the application-level meaning of a characteristic.
type Role string

const (
	// RoleRX is the characteristic the host writes to.
	RoleRX Role = "rx"
	// RoleTX is the characteristic the host reads from and subscribes to.
	RoleTX Role = "tx"
)

// Handle is a transport-assigned characteristic reference. Zero means unresolved.
type Handle uint32

// NoHandle marks an unresolved characteristic.
const NoHandle Handle = 0

// Handles maps roles to resolved characteristic handles.
type Handles struct {
	RX Handle
	TX Handle
}

// Resolved reports whether both roles have a handle.
func (h Handles) Resolved() bool {
	return h.RX != NoHandle && h.TX != NoHandle
}

// ForRole returns the handle bound to role.
func (h Handles) ForRole(role Role) Handle {
	switch role {
	case RoleRX:
		return h.RX
	case RoleTX:
		return h.TX
	default:
		return NoHandle
	}
}

// RoleOf returns the role bound to handle, if any.
func (h Handles) RoleOf(handle Handle) (Role, bool) {
	switch {
	case handle == NoHandle:
		return "", false
	case handle == h.TX:
		return RoleTX, true
	case handle == h.RX:
		return RoleRX, true
	default:
		return "", false
	}
}

// RedBearLab serial profile, the layout exposed by the reference peripheral.
const (
	DefaultServiceUUID = "713D0000-503E-4C75-BA94-3148F18D941E"
	DefaultTXCharUUID  = "713D0002-503E-4C75-BA94-3148F18D941E"
	DefaultRXCharUUID  = "713D0003-503E-4C75-BA94-3148F18D941E"
)

// ServiceDescriptor names the target service and its two characteristics.
type ServiceDescriptor struct {
	Service string
	RX      string
	TX      string
}

// DefaultServiceDescriptor returns the RedBearLab serial layout.
func DefaultServiceDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Service: DefaultServiceUUID,
		RX:      DefaultRXCharUUID,
		TX:      DefaultTXCharUUID,
	}
}

// Validate checks that all three UUIDs are present, well-formed and distinct.
func (d ServiceDescriptor) Validate() error {
	normalized, err := ValidateUUID(d.Service, d.RX, d.TX)
	if err != nil {
		return fmt.Errorf("invalid service descriptor: %w", err)
	}
	if normalized[1] == normalized[2] {
		return fmt.Errorf("invalid service descriptor: RX and TX characteristics must differ (%s)", d.RX)
	}
	return nil
}

// RoleFor matches a discovered characteristic UUID against the descriptor.
func (d ServiceDescriptor) RoleFor(charUUID string) (Role, bool) {
	switch {
	case MatchUUID(charUUID, d.RX):
		return RoleRX, true
	case MatchUUID(charUUID, d.TX):
		return RoleTX, true
	default:
		return "", false
	}
}

// Characteristics returns the RX and TX UUIDs in discovery request order.
func (d ServiceDescriptor) Characteristics() []string {
	return []string{d.RX, d.TX}
}

// RadioState mirrors the platform central manager state.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioResetting
	RadioUnsupported
	RadioUnauthorized
	RadioPoweredOff
	RadioPoweredOn
)

func (s RadioState) String() string {
	switch s {
	case RadioResetting:
		return "resetting"
	case RadioUnsupported:
		return "unsupported"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioPoweredOff:
		return "poweredOff"
	case RadioPoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Ready reports whether the radio accepts scan and connect requests.
func (s RadioState) Ready() bool {
	return s == RadioPoweredOn
}

// ConnectionState is the phase of the single active connection.
type ConnectionState string

const (
	StateIdle                       ConnectionState = "idle"
	StateScanning                   ConnectionState = "scanning"
	StateConnecting                 ConnectionState = "connecting"
	StateDiscoveringServices        ConnectionState = "discovering_services"
	StateDiscoveringCharacteristics ConnectionState = "discovering_characteristics"
	StateReady                      ConnectionState = "ready"
	StateDisconnected               ConnectionState = "disconnected"
	StateReconnecting               ConnectionState = "reconnecting"
)

// Linked reports whether the state implies a live or in-flight link to a peripheral.
func (s ConnectionState) Linked() bool {
	switch s {
	case StateConnecting, StateDiscoveringServices, StateDiscoveringCharacteristics, StateReady:
		return true
	default:
		return false
	}
}

// LinkState is the transport-level state of a known peripheral.
type LinkState string

const (
	LinkDisconnected  LinkState = "disconnected"
	LinkConnecting    LinkState = "connecting"
	LinkConnected     LinkState = "connected"
	LinkDisconnecting LinkState = "disconnecting"
)
