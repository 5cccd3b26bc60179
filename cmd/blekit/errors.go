package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blekit/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a one-shot command
	// (read, write, rssi) was waiting for its result.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoData indicates a read finished without the peripheral sending a value.
	ErrNoData = errors.New("no data received")
)

// formatUserError turns library errors into a line suitable for a terminal.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrNoSavedIdentity):
		return "no saved peripheral; run 'blekit scan' and pass an identifier"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("not supported by this backend: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	default:
		return err.Error()
	}
}
