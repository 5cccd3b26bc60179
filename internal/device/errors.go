package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the central.
type ErrorKind string

const (
	RadioUnavailable         ErrorKind = "radio_unavailable"
	ConnectFailed            ErrorKind = "connect_failed"
	DiscoveryFailed          ErrorKind = "discovery_failed"
	DisconnectedUnexpectedly ErrorKind = "disconnected_unexpectedly"
	DataPathUnavailable      ErrorKind = "data_path_unavailable"
)

// Error is a classified central failure. Two Errors match under errors.Is
// when their kinds are equal, so wrapped reasons never hide the kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrRadioUnavailable         = &Error{Kind: RadioUnavailable}
	ErrConnectFailed            = &Error{Kind: ConnectFailed}
	ErrDiscoveryFailed          = &Error{Kind: DiscoveryFailed}
	ErrDisconnectedUnexpectedly = &Error{Kind: DisconnectedUnexpectedly}
	ErrDataPathUnavailable      = &Error{Kind: DataPathUnavailable}
)

// Operation errors
var (
	ErrBusy              = errors.New("another operation is in progress")
	ErrRSSIPending       = errors.New("an RSSI request is already pending")
	ErrNoSavedIdentity   = errors.New("no saved peripheral identity")
	ErrPeripheralUnknown = errors.New("peripheral is not known to the transport")
	ErrAlreadyConnected  = errors.New("peripheral is already connected")
	ErrNotConnected      = errors.New("peripheral is not connected")
	ErrUnsupported       = errors.New("unsupported")
	ErrBluetoothOff      = errors.New("bluetooth is turned off")
	ErrClosed            = errors.New("central is closed")
)

// Wrap classifies cause under kind. A nil cause yields the bare kind.
func Wrap(kind ErrorKind, cause error) error {
	return &Error{Kind: kind, Err: cause}
}

// Wrapf classifies a formatted reason under kind.
func Wrapf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NotFoundError represents an error when a GATT attribute is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}
