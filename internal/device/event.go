package device

// Event is a transport callback delivered into the central's event channel.
// The set is closed: only types in this file implement it.
type Event interface {
	event()
}

// RadioStateChanged reports a new central manager state.
type RadioStateChanged struct {
	State RadioState
}

// ScanStopped reports that the transport ended a scan on its own.
type ScanStopped struct {
	Err error
}

// PeripheralDiscovered reports one advertisement sighting.
type PeripheralDiscovered struct {
	Identity Identity
}

// PeripheralConnected reports an established link.
type PeripheralConnected struct {
	ID string
}

// PeripheralConnectFailed reports a failed connect request.
type PeripheralConnectFailed struct {
	ID  string
	Err error
}

// PeripheralDisconnected reports a dropped or cancelled link.
type PeripheralDisconnected struct {
	ID  string
	Err error
}

// DiscoveredService is one service returned by service discovery.
type DiscoveredService struct {
	UUID   string
	Handle Handle
}

// ServicesDiscovered completes a DiscoverServices request.
type ServicesDiscovered struct {
	ID       string
	Services []DiscoveredService
	Err      error
}

// DiscoveredCharacteristic is one characteristic returned by characteristic discovery.
type DiscoveredCharacteristic struct {
	UUID   string
	Handle Handle
}

// CharacteristicsDiscovered completes a DiscoverCharacteristics request.
type CharacteristicsDiscovered struct {
	ID              string
	Service         Handle
	Characteristics []DiscoveredCharacteristic
	Err             error
}

// ValueUpdated carries a read result or a notification.
type ValueUpdated struct {
	ID     string
	Handle Handle
	Data   []byte
	Err    error
}

// NotificationStateChanged completes a SetNotify request.
type NotificationStateChanged struct {
	ID      string
	Handle  Handle
	Enabled bool
	Err     error
}

// WriteCompleted completes a write with response.
type WriteCompleted struct {
	ID     string
	Handle Handle
	Err    error
}

// RSSIRead completes a ReadRSSI request.
type RSSIRead struct {
	ID   string
	RSSI int
	Err  error
}

func (RadioStateChanged) event()         {}
func (ScanStopped) event()               {}
func (PeripheralDiscovered) event()      {}
func (PeripheralConnected) event()       {}
func (PeripheralConnectFailed) event()   {}
func (PeripheralDisconnected) event()    {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (ValueUpdated) event()              {}
func (NotificationStateChanged) event()  {}
func (WriteCompleted) event()            {}
func (RSSIRead) event()                  {}
