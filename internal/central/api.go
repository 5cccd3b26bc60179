package central

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/fsm"
	"github.com/srg/blekit/internal/groutine"
	"github.com/srg/blekit/internal/journal"
)

// StartScan opens a scan window of timeout. It fails with
// device.ErrRadioUnavailable when the radio is not powered on and with
// device.ErrBusy outside Idle.
func (c *Central) StartScan(timeout time.Duration) (*ScanSession, error) {
	s := newScanSession(c)
	err := c.submit(envelope{
		input:    fsm.CmdStartScan{Timeout: timeout},
		accepted: func() { c.scan = s },
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Connect starts connecting to id. It returns once the request is issued;
// OnConnected follows when the link is up.
func (c *Central) Connect(id string) error {
	return c.submit(envelope{input: fsm.CmdConnect{ID: id}})
}

// Disconnect disables auto-reconnect and tears down the current link.
func (c *Central) Disconnect() error {
	return c.submit(envelope{input: fsm.CmdDisconnect{}})
}

// AutoConnect restores the last session. It returns device.ErrNoSavedIdentity
// when nothing was saved, in which case the caller should scan instead.
func (c *Central) AutoConnect(ctx context.Context) error {
	id, ok, err := c.store.LoadLastIdentity()
	if err != nil {
		c.logger.WithError(err).Warn("Failed to load saved identity")
		return device.ErrNoSavedIdentity
	}
	if !ok || id == "" {
		return device.ErrNoSavedIdentity
	}

	state, known := c.transport.Retrieve(id)
	if !known {
		return fmt.Errorf("%w: %s", device.ErrPeripheralUnknown, id)
	}
	if state != device.LinkDisconnected {
		return fmt.Errorf("%w: %s is %s", device.ErrAlreadyConnected, id, state)
	}

	c.logger.WithField("id", id).Info("Restoring last session")
	groutine.Go(ctx, "central-autoconnect", func(ctx context.Context) {
		if err := c.Connect(id); err != nil {
			c.logger.WithError(err).WithField("id", id).Warn("Auto-connect failed")
			if eh, ok := c.handler.(ErrorHandler); ok {
				c.notifier.post(func() { eh.OnError(err) })
			}
		}
	})
	return nil
}

// Read requests the TX value; it arrives through OnDataReceived.
func (c *Central) Read() error {
	return c.submit(envelope{input: fsm.CmdRead{}})
}

// Write sends data to the RX characteristic. Outside Ready it does nothing.
func (c *Central) Write(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	if err := c.submit(envelope{input: fsm.CmdWrite{Data: buf}}); err != nil {
		c.logger.WithError(err).Debug("Write dropped")
	}
}

// SetNotifications toggles the TX subscription.
func (c *Central) SetNotifications(enabled bool) error {
	return c.submit(envelope{input: fsm.CmdSetNotify{Enabled: enabled}})
}

// ReadRSSI requests the link RSSI. cb runs exactly once with the value or an
// error. A request made while another is pending fails with device.ErrRSSIPending.
func (c *Central) ReadRSSI(cb func(rssi int, err error)) error {
	if cb == nil {
		return fmt.Errorf("RSSI callback is required")
	}
	return c.submit(envelope{
		input:    fsm.CmdReadRSSI{},
		accepted: func() { c.rssiCallback = cb },
	})
}

// State returns the current connection state.
func (c *Central) State() device.ConnectionState {
	state := device.StateIdle
	_ = c.query(func() { state = c.model.State })
	return state
}

// Radio returns the last reported radio state.
func (c *Central) Radio() device.RadioState {
	radio := device.RadioUnknown
	_ = c.query(func() { radio = c.model.Radio })
	return radio
}

// Snapshot returns the peripherals of the current or last scan window.
func (c *Central) Snapshot() []device.Identity {
	var out []device.Identity
	_ = c.query(func() { out = c.registry.Snapshot() })
	return out
}

// History returns the retained state transitions, oldest first.
func (c *Central) History() []journal.Entry {
	var out []journal.Entry
	_ = c.query(func() {
		entries, err := c.journal.Entries()
		if err != nil {
			c.logger.WithError(err).Warn("Failed to read transition journal")
		}
		out = entries
	})
	return out
}

// WaitForState blocks until the connection reaches one of states or ctx ends.
func (c *Central) WaitForState(ctx context.Context, states ...device.ConnectionState) (device.ConnectionState, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		current := c.State()
		for _, s := range states {
			if current == s {
				return current, nil
			}
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-c.loopDone:
			return current, device.ErrClosed
		case <-ticker.C:
		}
	}
}
