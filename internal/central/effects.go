package central

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blekit/internal/device"
	"github.com/srg/blekit/internal/fsm"
	"github.com/srg/blekit/internal/journal"
)

// execute performs one effect. It runs on the event loop.
func (c *Central) execute(eff fsm.Effect) {
	switch e := eff.(type) {
	// Transport
	case fsm.StartScan:
		c.logger.WithField("services", e.Services).Info("Scanning for peripherals...")
		c.transport.StartScan(e.Services)
	case fsm.StopScan:
		c.transport.StopScan()
	case fsm.Connect:
		c.logger.WithFields(logrus.Fields{
			"id":      e.ID,
			"attempt": c.model.ReconnectAttempt,
		}).Info("Connecting to peripheral...")
		c.transport.Connect(e.ID)
	case fsm.CancelConnection:
		c.logger.WithField("id", e.ID).Debug("Cancelling connection")
		c.transport.CancelConnection(e.ID)
	case fsm.DiscoverServices:
		c.logger.WithField("id", e.ID).Debug("Discovering services...")
		c.transport.DiscoverServices(e.ID, e.Services)
	case fsm.DiscoverCharacteristics:
		c.logger.WithFields(logrus.Fields{
			"id":      e.ID,
			"service": e.Service,
		}).Debug("Discovering characteristics...")
		c.transport.DiscoverCharacteristics(e.ID, e.Service, e.Characteristics)
	case fsm.SetNotify:
		c.transport.SetNotify(e.ID, e.Handle, e.Enabled)
	case fsm.Read:
		c.transport.Read(e.ID, e.Handle)
	case fsm.Write:
		c.logger.WithFields(logrus.Fields{
			"handle":        e.Handle,
			"bytes":         len(e.Data),
			"with_response": e.WithResponse,
		}).Debug("Writing to RX characteristic")
		c.transport.Write(e.ID, e.Handle, e.Data, e.WithResponse)
	case fsm.ReadRSSI:
		c.transport.ReadRSSI(e.ID)

	// Timers
	case fsm.ArmScanTimer:
		c.cancelScanTimer()
		c.stopScanTimer = c.timeout(e.Timeout, fsm.ScanTimeout{Generation: e.Generation})
	case fsm.CancelScanTimer:
		c.cancelScanTimer()
	case fsm.ScheduleReconnect:
		c.cancelReconnectTimer()
		c.logger.WithFields(logrus.Fields{
			"attempt": e.Attempt,
			"delay":   e.Delay,
		}).Info("Reconnect scheduled")
		c.stopReconnect = c.timeout(e.Delay, fsm.ReconnectDue{Generation: e.Generation})
	case fsm.CancelReconnect:
		c.cancelReconnectTimer()

	// Registry, session and scan result
	case fsm.ClearRegistry:
		c.registry.Clear()
	case fsm.RecordDiscovery:
		c.registry.OnDiscovered(e.Identity)
	case fsm.DeliverScanResult:
		c.stopScanTimer = nil
		snapshot := c.registry.Snapshot()
		c.logger.WithField("devices", len(snapshot)).Info("Scan window closed")
		if e.Err != nil {
			c.logger.WithError(e.Err).Warn("Scan ended early")
		}
		if c.scan != nil {
			c.scan.resolve(snapshot, e.Err)
			c.scan = nil
		}
	case fsm.SaveIdentity:
		if err := c.store.SaveConnectedIdentity(e.ID); err != nil {
			c.logger.WithError(err).WithField("id", e.ID).Warn("Failed to persist connected identity")
		}
	case fsm.ResolveRSSI:
		cb := c.rssiCallback
		c.rssiCallback = nil
		if cb != nil {
			rssi, err := e.RSSI, e.Err
			c.notifier.post(func() { cb(rssi, err) })
		}

	// Application
	case fsm.NotifyRadioState:
		c.logger.WithField("state", e.State).Info("Radio state changed")
		c.notifier.post(func() { c.handler.OnRadioStateChanged(e.State) })
	case fsm.NotifyConnected:
		c.logger.WithField("id", e.ID).Info("Peripheral connected")
		c.notifier.post(func() { c.handler.OnConnected(e.ID) })
	case fsm.NotifyDisconnected:
		entry := c.logger.WithField("id", e.ID)
		if e.Err != nil {
			entry = entry.WithError(e.Err)
		}
		entry.Info("Peripheral disconnected")
		c.notifier.post(func() { c.handler.OnDisconnected(e.ID, e.Err) })
	case fsm.NotifyData:
		c.notifier.post(func() { c.handler.OnDataReceived(e.Data) })
	case fsm.ReportError:
		c.logger.WithError(e.Err).Error("Connection failure")
		if eh, ok := c.handler.(ErrorHandler); ok {
			c.notifier.post(func() { eh.OnError(e.Err) })
		}
	case fsm.StateChanged:
		c.logger.WithFields(logrus.Fields{
			"from": e.From,
			"to":   e.To,
		}).Debug("Connection state changed")
		if err := c.journal.Record(journal.Entry{At: c.clock.Now(), From: e.From, To: e.To, Cause: c.cause()}); err != nil {
			c.logger.WithError(err).Warn("Failed to record transition")
		}
		if sh, ok := c.handler.(StateHandler); ok {
			c.notifier.post(func() { sh.OnStateChanged(e.From, e.To) })
		}

	// Diagnostics
	case fsm.Warn:
		entry := c.logger.WithField("state", c.model.State)
		if e.Err != nil {
			entry = entry.WithError(e.Err)
		}
		entry.Warn(e.Msg)
	case fsm.Debug:
		c.logger.WithField("state", c.model.State).Debug(e.Msg)
	case fsm.Reject:
	default:
		c.logger.WithField("effect", fmt.Sprintf("%T", eff)).Warn("Unhandled effect")
	}
}

// cause describes the current target for the transition journal.
func (c *Central) cause() string {
	if c.model.Target == "" {
		return ""
	}
	if c.model.State == device.StateReconnecting && c.model.ReconnectAttempt > 0 {
		return fmt.Sprintf("%s attempt %d", c.model.Target, c.model.ReconnectAttempt)
	}
	return c.model.Target
}
