// Package adapter defines the radio-adapter contract the connection manager
// consumes. Implementations own the low-level stack (scanning, connection
// establishment, GATT enumeration); the manager only sees this surface plus
// the Events sink it registers at startup.
package adapter

import (
	"time"
)

// PowerState is the adapter radio power state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PoweredOff
	PoweredOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PoweredOff:
		return "powered_off"
	case PoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// PeripheralState is the connection state of a single peripheral handle.
type PeripheralState int

const (
	Disconnected PeripheralState = iota
	Connecting
	Connected
	Disconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Peripheral is an opaque handle to a discovered or restored device.
type Peripheral interface {
	// ID is the stable identifier used for known-peripheral retrieval.
	ID() string
	// Name is the advertised or GAP-resolved device name, may be empty.
	Name() string
	// State reports the current connection state of the handle.
	State() PeripheralState
}

// Advertisement is the discovery-time data attached to a Discovered event.
type Advertisement interface {
	LocalName() string
	Services() []string
	ManufacturerData() []byte
	RSSI() int
	Connectable() bool
}

// Events is the closed sink an Adapter delivers its events to. The consumer
// registers it once via SetEvents before any scan or connect call; callbacks
// may arrive on arbitrary goroutines and must not block.
type Events interface {
	// PowerStateChanged fires on every radio power transition, including the
	// initial transition after the adapter is constructed.
	PowerStateChanged(state PowerState)
	// StateRestored replays peripherals the platform preserved across a
	// process relaunch, in the order the platform reported them.
	StateRestored(peripherals []Peripheral)
	// Discovered fires once per accepted advertisement while scanning.
	Discovered(p Peripheral, adv Advertisement)
	// Connected fires when a connect attempt completes.
	Connected(p Peripheral)
	// ConnectFailed fires when a connect attempt is refused or times out.
	ConnectFailed(p Peripheral, err error)
	// Disconnected fires when an established link drops. A nil error means
	// the remote ended the link normally.
	Disconnected(p Peripheral, err error)
}

// Adapter is the radio manager handle owned by the connection manager for
// its entire lifetime.
type Adapter interface {
	// PowerState reports the current radio power state.
	PowerState() PowerState
	// IsScanning reports whether an advertisement scan is active.
	IsScanning() bool

	// SetEvents registers the event sink. Must be called before Scan or
	// Connect; a nil sink drops events.
	SetEvents(sink Events)

	// Scan starts an advertisement scan filtered to the given service UUIDs.
	// Calling Scan while already scanning is a no-op.
	Scan(serviceUUIDs []string) error
	// StopScan stops an active scan; no-op when idle.
	StopScan()

	// Connect initiates a connection to p. A non-zero delay is a scheduling
	// hint: the attempt must not be issued before the delay elapses, without
	// blocking the caller. Connecting to an already connecting or connected
	// handle is a no-op.
	Connect(p Peripheral, delay time.Duration) error
	// CancelConnection cancels an in-flight attempt or tears down an
	// established link to p.
	CancelConnection(p Peripheral) error

	// RetrieveKnown returns handles for previously seen identifiers the
	// adapter can still resolve, preserving the order of ids.
	RetrieveKnown(ids []string) []Peripheral
	// RetrieveConnected returns peripherals already connected at the system
	// level that expose any of the given services.
	RetrieveConnected(serviceUUIDs []string) []Peripheral

	// GATT returns the post-connect surface for an established link.
	GATT(p Peripheral) (GATT, error)

	// Close releases the adapter. All in-flight operations are cancelled.
	Close() error
}

// DelayedConnector is an optional capability: adapters that can honor the
// Connect delay natively (without the caller deferring the call) implement
// it. The manager uses it to pick the reconnect strategy.
type DelayedConnector interface {
	SupportsConnectDelay() bool
}

// GATT is the minimal post-connect surface a peripheral session consumes.
// Full service/characteristic modeling stays inside the implementation.
type GATT interface {
	// Subscribe arms notifications for a characteristic and delivers each
	// notification payload to handler. Subscriptions are released when the
	// link drops or CancelConnection is called.
	Subscribe(serviceUUID, characteristicUUID string, handler func(data []byte)) error
	// Write sends data to a characteristic.
	Write(serviceUUID, characteristicUUID string, data []byte, withResponse bool) error
}
