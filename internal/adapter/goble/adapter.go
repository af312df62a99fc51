// Package goble implements the adapter contract on top of go-ble/ble.
//
// Differences from platforms with a persistent central role are confined
// here: there is no state restoration (StateRestored never fires), known
// identifiers do not survive a process restart, and the connect delay is
// honored by deferring the dial rather than by a platform queue.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/groutine"
)

// DefaultDialTimeout bounds a single dial attempt once its delay elapsed.
const DefaultDialTimeout = 30 * time.Second

// DeviceFactory creates ble.Device instances. A var so tests can substitute
// a mock transport.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Adapter is the go-ble backed radio adapter. Peripheral handles are kept in
// a concurrent registry so RetrieveKnown and RetrieveConnected can resolve
// them without touching the radio.
type Adapter struct {
	logger *logrus.Logger
	dev    ble.Device

	mu         sync.RWMutex
	events     adapter.Events
	scanCancel context.CancelFunc
	closed     bool

	registry *hashmap.Map[string, *Peripheral]
	conns    *hashmap.Map[string, *connection]
}

// connection tracks one in-flight or established link.
type connection struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile
}

// NewAdapter creates the adapter and powers it on. The power-on event is
// delivered once an event sink is registered via SetEvents.
func NewAdapter(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	return &Adapter{
		logger:   logger,
		dev:      dev,
		registry: hashmap.New[string, *Peripheral](),
		conns:    hashmap.New[string, *connection](),
	}, nil
}

// PowerState reports powered-on for the lifetime of the adapter: go-ble
// surfaces radio unavailability as device creation or dial errors, not as a
// state feed.
func (a *Adapter) PowerState() adapter.PowerState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return adapter.PoweredOff
	}
	return adapter.PoweredOn
}

// IsScanning reports whether an advertisement scan is active.
func (a *Adapter) IsScanning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scanCancel != nil
}

// SetEvents registers the sink and replays the current power state to it,
// the way a freshly attached central delegate learns the radio state.
func (a *Adapter) SetEvents(sink adapter.Events) {
	a.mu.Lock()
	a.events = sink
	a.mu.Unlock()

	if sink != nil {
		state := a.PowerState()
		go sink.PowerStateChanged(state)
	}
}

func (a *Adapter) sink() adapter.Events {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events
}

// SupportsConnectDelay reports that Connect honors its delay parameter
// without the caller having to defer the call.
func (a *Adapter) SupportsConnectDelay() bool {
	return true
}

// Scan starts an advertisement scan filtered to serviceUUIDs. No-op while a
// scan is already active.
func (a *Adapter) Scan(serviceUUIDs []string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("adapter is closed")
	}
	if a.scanCancel != nil {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.mu.Unlock()

	filter := adapter.NormalizeUUIDs(serviceUUIDs)
	a.logger.WithField("services", filter).Debug("Starting advertisement scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := a.dev.Scan(ctx, false, func(adv ble.Advertisement) {
			a.handleAdvertisement(adv, filter)
		})
		if err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Warn("Scan terminated")
		}
		a.mu.Lock()
		if a.scanCancel != nil {
			a.scanCancel()
			a.scanCancel = nil
		}
		a.mu.Unlock()
	})
	return nil
}

// StopScan stops an active scan; no-op when idle.
func (a *Adapter) StopScan() {
	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) handleAdvertisement(adv ble.Advertisement, filter []string) {
	services := make([]string, 0, len(adv.Services()))
	for _, s := range adv.Services() {
		services = append(services, s.String())
	}

	if len(filter) > 0 {
		match := false
		for _, f := range filter {
			if adapter.ContainsUUID(services, f) {
				match = true
				break
			}
		}
		if !match {
			return
		}
	}

	addr := adv.Addr().String()
	p, loaded := a.registry.Get(addr)
	if !loaded {
		p, _ = a.registry.GetOrInsert(addr, newPeripheral(addr, adv.LocalName(), services))
	}

	sink := a.sink()
	if sink == nil {
		return
	}
	sink.Discovered(p, &advertisement{
		localName:   adv.LocalName(),
		services:    adapter.NormalizeUUIDs(services),
		manufData:   adv.ManufacturerData(),
		rssi:        adv.RSSI(),
		connectable: adv.Connectable(),
	})
}

// Connect dials the peripheral. A non-zero delay defers the dial without
// blocking the caller; CancelConnection aborts both the deferred wait and
// an in-flight dial. Connecting to an already connecting or connected
// handle is a no-op.
func (a *Adapter) Connect(pp adapter.Peripheral, delay time.Duration) error {
	p, ok := pp.(*Peripheral)
	if !ok {
		return fmt.Errorf("foreign peripheral handle %q", pp.ID())
	}
	switch p.State() {
	case adapter.Connecting, adapter.Connected:
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{cancel: cancel}
	if _, loaded := a.conns.GetOrInsert(p.ID(), conn); loaded {
		cancel()
		return nil
	}
	p.setState(adapter.Connecting)

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		a.dial(ctx, p, conn, delay)
	})
	return nil
}

func (a *Adapter) dial(ctx context.Context, p *Peripheral, conn *connection, delay time.Duration) {
	if delay > 0 {
		a.logger.WithFields(logrus.Fields{
			"peripheral": p.ID(),
			"delay":      delay,
		}).Debug("Connect deferred")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			a.dropConnection(p, ctx.Err())
			return
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	a.logger.WithField("peripheral", p.ID()).Debug("Dialing")
	client, err := ble.Dial(dialCtx, ble.NewAddr(p.ID()))
	if err != nil {
		if ctx.Err() != nil {
			// locally cancelled attempt, reported as an expected disconnect
			a.dropConnection(p, ctx.Err())
			return
		}
		a.conns.Del(p.ID())
		p.setState(adapter.Disconnected)
		if sink := a.sink(); sink != nil {
			sink.ConnectFailed(p, err)
		}
		return
	}

	conn.mu.Lock()
	conn.client = client
	conn.mu.Unlock()
	p.setState(adapter.Connected)
	if sink := a.sink(); sink != nil {
		sink.Connected(p)
	}

	// The disconnected channel closes on both remote teardown and local
	// cancellation; either way the link is gone.
	<-client.Disconnected()
	a.dropConnection(p, nil)
}

func (a *Adapter) dropConnection(p *Peripheral, cause error) {
	if _, loaded := a.conns.Get(p.ID()); !loaded {
		return
	}
	a.conns.Del(p.ID())
	p.setState(adapter.Disconnected)
	if sink := a.sink(); sink != nil {
		sink.Disconnected(p, cause)
	}
}

// CancelConnection aborts an in-flight attempt or tears down an established
// link.
func (a *Adapter) CancelConnection(pp adapter.Peripheral) error {
	conn, ok := a.conns.Get(pp.ID())
	if !ok {
		return nil
	}
	conn.cancel()

	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	if client != nil {
		return client.CancelConnection()
	}
	return nil
}

// RetrieveKnown resolves identifiers against the in-process registry. This
// backend has no cross-restart peripheral cache, so a fresh process falls
// through to the scan path.
func (a *Adapter) RetrieveKnown(ids []string) []adapter.Peripheral {
	result := make([]adapter.Peripheral, 0, len(ids))
	for _, id := range ids {
		if p, ok := a.registry.Get(id); ok {
			result = append(result, p)
		}
	}
	return result
}

// RetrieveConnected returns registry peripherals that are connected and
// advertise any of the given services.
func (a *Adapter) RetrieveConnected(serviceUUIDs []string) []adapter.Peripheral {
	var result []adapter.Peripheral
	a.registry.Range(func(_ string, p *Peripheral) bool {
		if p.State() == adapter.Connected && p.advertises(serviceUUIDs) {
			result = append(result, p)
		}
		return true
	})
	return result
}

// GATT returns the post-connect surface for an established link.
func (a *Adapter) GATT(pp adapter.Peripheral) (adapter.GATT, error) {
	conn, ok := a.conns.Get(pp.ID())
	if !ok {
		return nil, fmt.Errorf("peripheral %q is not connected", pp.ID())
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.client == nil {
		return nil, fmt.Errorf("peripheral %q is not connected", pp.ID())
	}
	return &gattClient{conn: conn, logger: a.logger}, nil
}

// Close stops scanning, drops every connection, and releases the device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.mu.Unlock()

	a.conns.Range(func(_ string, conn *connection) bool {
		conn.cancel()
		conn.mu.Lock()
		client := conn.client
		conn.mu.Unlock()
		if client != nil {
			_ = client.CancelConnection()
		}
		return true
	})

	return a.dev.Stop()
}
