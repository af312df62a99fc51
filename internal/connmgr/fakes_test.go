package connmgr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/cgmlink/internal/adapter"
)

// fakePeripheral is a test double for adapter.Peripheral with a settable
// connection state.
type fakePeripheral struct {
	id    string
	name  string
	state atomic.Int32
}

func newFakePeripheral(id, name string) *fakePeripheral {
	return &fakePeripheral{id: id, name: name}
}

func (p *fakePeripheral) ID() string { return p.id }

func (p *fakePeripheral) Name() string { return p.name }

func (p *fakePeripheral) State() adapter.PeripheralState {
	return adapter.PeripheralState(p.state.Load())
}

func (p *fakePeripheral) setState(s adapter.PeripheralState) {
	p.state.Store(int32(s))
}

// fakeAdvertisement is a test double for adapter.Advertisement.
type fakeAdvertisement struct {
	localName string
	services  []string
	rssi      int
}

func (a *fakeAdvertisement) LocalName() string { return a.localName }

func (a *fakeAdvertisement) Services() []string { return a.services }

func (a *fakeAdvertisement) ManufacturerData() []byte { return nil }

func (a *fakeAdvertisement) RSSI() int { return a.rssi }

func (a *fakeAdvertisement) Connectable() bool { return true }

type connectCall struct {
	id    string
	delay time.Duration
}

// fakeAdapter is an in-memory adapter.Adapter. Tests drive the manager by
// emitting events through the registered sink and observing the calls the
// manager makes back.
type fakeAdapter struct {
	mu            sync.Mutex
	power         adapter.PowerState
	scanning      bool
	sink          adapter.Events
	known         map[string]adapter.Peripheral
	connected     []adapter.Peripheral
	supportsDelay bool
	scanErr       error
	connectErr    error
	gatt          *fakeGATT

	scanStarts   int
	stopScans    int
	connectCalls []connectCall
	cancelCalls  []string
	closed       bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		power: adapter.PoweredOn,
		known: make(map[string]adapter.Peripheral),
		gatt:  newFakeGATT(),
	}
}

func (a *fakeAdapter) PowerState() adapter.PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *fakeAdapter) setPower(s adapter.PowerState) {
	a.mu.Lock()
	a.power = s
	a.mu.Unlock()
}

func (a *fakeAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func (a *fakeAdapter) SetEvents(sink adapter.Events) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *fakeAdapter) events() adapter.Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

func (a *fakeAdapter) Scan(serviceUUIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanErr != nil {
		return a.scanErr
	}
	if !a.scanning {
		a.scanning = true
		a.scanStarts++
	}
	return nil
}

func (a *fakeAdapter) StopScan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanning {
		a.scanning = false
		a.stopScans++
	}
}

func (a *fakeAdapter) Connect(p adapter.Peripheral, delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connectCalls = append(a.connectCalls, connectCall{id: p.ID(), delay: delay})
	if fp, ok := p.(*fakePeripheral); ok {
		fp.setState(adapter.Connecting)
	}
	return nil
}

func (a *fakeAdapter) CancelConnection(p adapter.Peripheral) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelCalls = append(a.cancelCalls, p.ID())
	if fp, ok := p.(*fakePeripheral); ok {
		fp.setState(adapter.Disconnected)
	}
	return nil
}

func (a *fakeAdapter) RetrieveKnown(ids []string) []adapter.Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	var result []adapter.Peripheral
	for _, id := range ids {
		if p, ok := a.known[id]; ok {
			result = append(result, p)
		}
	}
	return result
}

func (a *fakeAdapter) RetrieveConnected(serviceUUIDs []string) []adapter.Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.Peripheral(nil), a.connected...)
}

func (a *fakeAdapter) GATT(p adapter.Peripheral) (adapter.GATT, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gatt == nil {
		return nil, fmt.Errorf("no GATT for %s", p.ID())
	}
	return a.gatt, nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) SupportsConnectDelay() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supportsDelay
}

func (a *fakeAdapter) scanStartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStarts
}

func (a *fakeAdapter) connects() []connectCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]connectCall(nil), a.connectCalls...)
}

func (a *fakeAdapter) cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelCalls...)
}

// completeConnect marks p connected and emits the Connected event.
func (a *fakeAdapter) completeConnect(p *fakePeripheral) {
	p.setState(adapter.Connected)
	a.events().Connected(p)
}

// dropLink marks p disconnected and emits the Disconnected event.
func (a *fakeAdapter) dropLink(p *fakePeripheral, cause error) {
	p.setState(adapter.Disconnected)
	a.events().Disconnected(p, cause)
}

type gattWrite struct {
	serviceUUID        string
	characteristicUUID string
	data               []byte
	withResponse       bool
}

// fakeGATT records subscriptions in order and lets tests push notifications
// through the registered handlers.
type fakeGATT struct {
	mu           sync.Mutex
	subscribed   []string
	handlers     map[string]func([]byte)
	subscribeErr map[string]error
	writes       []gattWrite
}

func newFakeGATT() *fakeGATT {
	return &fakeGATT{
		handlers:     make(map[string]func([]byte)),
		subscribeErr: make(map[string]error),
	}
}

func (g *fakeGATT) Subscribe(serviceUUID, characteristicUUID string, handler func(data []byte)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.subscribeErr[characteristicUUID]; err != nil {
		return err
	}
	g.subscribed = append(g.subscribed, characteristicUUID)
	g.handlers[characteristicUUID] = handler
	return nil
}

func (g *fakeGATT) Write(serviceUUID, characteristicUUID string, data []byte, withResponse bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = append(g.writes, gattWrite{serviceUUID, characteristicUUID, data, withResponse})
	return nil
}

func (g *fakeGATT) subscriptions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.subscribed...)
}

// notify delivers data through the handler registered for characteristicUUID.
func (g *fakeGATT) notify(characteristicUUID string, data []byte) {
	g.mu.Lock()
	handler := g.handlers[characteristicUUID]
	g.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// fakeOwner records every readiness and data callback.
type fakeOwner struct {
	mu    sync.Mutex
	ready []error
	data  [][]byte
}

func (o *fakeOwner) Ready(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = append(o.ready, err)
}

func (o *fakeOwner) DataReceived(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = append(o.data, append([]byte(nil), data...))
}

func (o *fakeOwner) readyEvents() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.ready...)
}

func (o *fakeOwner) payloads() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.data...)
}

// memIDStore is an in-memory IDStore.
type memIDStore struct {
	mu sync.Mutex
	id string
}

func (s *memIDStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *memIDStore) Store(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// fakeSession stands in for PeripheralSession; the manager only sees the
// peripheralSession interface.
type fakeSession struct {
	peripheral adapter.Peripheral
	onData     DataFunc
	onError    ErrFunc
	connects   atomic.Int32
	closed     atomic.Bool
}

func (s *fakeSession) OnPowerStateChanged(adapter.PowerState) {}

func (s *fakeSession) OnConnected(state adapter.PowerState, p adapter.Peripheral) {
	s.connects.Add(1)
}

func (s *fakeSession) Close() {
	s.closed.Store(true)
}
