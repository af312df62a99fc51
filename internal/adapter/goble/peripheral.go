package goble

import (
	"sync/atomic"

	"github.com/srg/cgmlink/internal/adapter"
)

// Peripheral is the go-ble backed handle. State transitions happen on
// adapter goroutines while the manager reads them from its loop, hence the
// atomic state.
type Peripheral struct {
	id    string
	name  string
	state atomic.Int32

	advertisedServices []string
}

func newPeripheral(id, name string, services []string) *Peripheral {
	return &Peripheral{
		id:                 id,
		name:               name,
		advertisedServices: adapter.NormalizeUUIDs(services),
	}
}

// ID returns the peripheral address.
func (p *Peripheral) ID() string { return p.id }

// Name returns the advertised local name, may be empty.
func (p *Peripheral) Name() string { return p.name }

// State reports the current connection state.
func (p *Peripheral) State() adapter.PeripheralState {
	return adapter.PeripheralState(p.state.Load())
}

func (p *Peripheral) setState(s adapter.PeripheralState) {
	p.state.Store(int32(s))
}

func (p *Peripheral) advertises(serviceUUIDs []string) bool {
	for _, s := range serviceUUIDs {
		if adapter.ContainsUUID(p.advertisedServices, s) {
			return true
		}
	}
	return false
}

// advertisement adapts ble.Advertisement to the adapter contract.
type advertisement struct {
	localName   string
	services    []string
	manufData   []byte
	rssi        int
	connectable bool
}

func (a *advertisement) LocalName() string { return a.localName }

func (a *advertisement) Services() []string { return a.services }

func (a *advertisement) ManufacturerData() []byte { return a.manufData }

func (a *advertisement) RSSI() int { return a.rssi }

func (a *advertisement) Connectable() bool { return a.connectable }
