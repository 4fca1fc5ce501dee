package ble

// Filter selects the target peripheral during a scan. MAC match is
// preferred; NamePrefix is the fallback when MAC filtering is unavailable.
type Filter struct {
	MAC        string
	NamePrefix string
}

// Target identifies a discovered peripheral.
type Target struct {
	Address string
	Name    string
}

// Callbacks carries transport outcomes back to the connection machine.
// Transports may invoke them from any goroutine.
type Callbacks struct {
	// DeviceFound fires when a scan locates a peripheral matching the filter.
	DeviceFound func(target Target)

	// LinkUp fires when the physical connection is established.
	LinkUp func()

	// CapabilitiesFound fires when the service and its characteristics have
	// been discovered.
	CapabilitiesFound func()

	// NotificationsEnabled fires once the notify characteristic is armed.
	NotificationsEnabled func()

	// Notify fires per received notification payload fragment.
	Notify func(data []byte)

	// Disconnected fires when the link drops, cleanly or not.
	Disconnected func(err error)

	// Failed fires when an in-flight transport operation fails.
	Failed func(err error)
}

// Transport is the abstract host BLE capability the connection machine
// drives. All operations are asynchronous: they return immediately and
// report outcomes through Callbacks.
type Transport interface {
	SetCallbacks(cb Callbacks)
	Scan(filter Filter) error
	StopScan() error
	Connect(target Target) error
	DiscoverCapabilities() error
	EnableNotifications() error
	Send(data []byte) error
	Disconnect() error
}
