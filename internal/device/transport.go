package device

// EventSink receives transport events. Implementations must be safe for
// concurrent use; transports call it from their own goroutines.
type EventSink func(Event)

// Transport is the platform BLE driver seen from the central.
//
// Every request method is fire-and-forget: it returns immediately and its
// outcome arrives later through the EventSink passed to Start. Transports
// must never call the sink synchronously from inside a request method.
type Transport interface {
	// Start powers up the driver and begins reporting RadioStateChanged events.
	Start(sink EventSink) error

	// StartScan begins discovery filtered by the given service UUIDs.
	StartScan(serviceUUIDs []string)
	// StopScan ends discovery. Stopping an idle scanner is a no-op.
	StopScan()

	// Connect dials the peripheral with disconnect notifications enabled.
	Connect(id string)
	// CancelConnection tears down an established or in-flight link.
	CancelConnection(id string)

	DiscoverServices(id string, serviceUUIDs []string)
	DiscoverCharacteristics(id string, service Handle, charUUIDs []string)

	Read(id string, char Handle)
	Write(id string, char Handle, data []byte, withResponse bool)
	SetNotify(id string, char Handle, enabled bool)
	ReadRSSI(id string)

	// Retrieve resolves an identifier to a peripheral the transport knows
	// about and reports its link state.
	Retrieve(id string) (LinkState, bool)

	Close() error
}
