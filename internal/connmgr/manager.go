// Package connmgr implements the connection lifecycle for a single CGM
// transmitter: discovery (known identifier, system-connected query, active
// scan), connect/reconnect policy, and the single-peripheral ownership
// invariant. All state machine work runs on one serialized event loop.
package connmgr

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/adapter/goble"
	"github.com/srg/cgmlink/internal/transmitter"
)

// DefaultRetryDelay is the fallback grace period before re-entering active
// scanning after a disconnect or failed connect, used when the adapter has
// no native delayed connect. It gives the transmitter's shutoff cycle a
// moment to settle without parking the retry loop for long.
const DefaultRetryDelay = 3 * time.Second

// Policy decides whether a discovered or restored peripheral should be
// pursued. A nil Policy accepts every candidate. It is called synchronously
// on the event loop and must return quickly.
type Policy func(p adapter.Peripheral) bool

// OwnerEvents is the closed sink the manager notifies. Callbacks run on the
// event loop and must not block; hand data off to a channel if the consumer
// is slow.
type OwnerEvents interface {
	// Ready fires once per connect or disconnect outcome: nil on success,
	// a *LinkError otherwise. Expected remote disconnects are silent.
	Ready(err error)
	// DataReceived relays raw transmitter payload bytes, uninterpreted.
	DataReceived(data []byte)
}

// IDStore persists the last-known peripheral identifier between runs. The
// storage mechanism is the owner's business; a nil store keeps the
// identifier in memory only.
type IDStore interface {
	Load() string
	Store(id string)
}

// adapterFactory creates the radio adapter at Start. A var so tests can
// substitute a fake adapter.
var adapterFactory = func(logger *logrus.Logger) (adapter.Adapter, error) {
	return goble.NewAdapter(logger)
}

// Options configures a Manager.
type Options struct {
	Owner   OwnerEvents // required
	Policy  Policy      // nil accepts all candidates
	IDStore IDStore     // nil keeps the last-known identifier in memory

	// Profile is the transmitter subscription profile handed to each
	// session. Defaults to transmitter.DefaultProfile().
	Profile *transmitter.Profile

	// RetryDelay overrides DefaultRetryDelay. Used only on adapters without
	// native delayed connect.
	RetryDelay time.Duration

	// ConnectDelay is the scheduling hint passed to reconnect attempts on
	// adapters with native delayed connect. Defaults to
	// transmitter.ShutoffCycleGrace.
	ConnectDelay time.Duration

	Logger *logrus.Logger
}

// Manager owns the radio adapter and at most one target peripheral, and runs
// the discovery/connect/reconnect state machine. All fields below the loop
// are touched exclusively on the loop goroutine.
type Manager struct {
	logger *logrus.Logger
	loop   *eventLoop

	owner        OwnerEvents
	policy       Policy
	idStore      IDStore
	profile      *transmitter.Profile
	retryDelay   time.Duration
	connectDelay time.Duration

	adapter adapter.Adapter

	// loop-owned state
	target        adapter.Peripheral
	session       peripheralSession
	lastKnownID   string
	stayConnected bool
	closed        bool
}

// NewManager creates a manager. Start must be called before any discovery
// happens.
func NewManager(opts Options) (*Manager, error) {
	if opts.Owner == nil {
		return nil, fmt.Errorf("connmgr: Options.Owner is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	profile := opts.Profile
	if profile == nil {
		profile = transmitter.DefaultProfile()
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	connectDelay := opts.ConnectDelay
	if connectDelay <= 0 {
		connectDelay = transmitter.ShutoffCycleGrace
	}

	m := &Manager{
		logger:        logger,
		loop:          newEventLoop(64),
		owner:         opts.Owner,
		policy:        opts.Policy,
		idStore:       opts.IDStore,
		profile:       profile,
		retryDelay:    retryDelay,
		connectDelay:  connectDelay,
		stayConnected: true,
	}
	if m.idStore != nil {
		m.lastKnownID = m.idStore.Load()
	}
	return m, nil
}

// Start constructs the radio adapter and registers for its events. Discovery
// waits until the adapter reports powered-on.
func (m *Manager) Start() error {
	a, err := adapterFactory(m.logger)
	if err != nil {
		return fmt.Errorf("failed to create radio adapter: %w", err)
	}
	m.adapter = a
	a.SetEvents(&adapterSink{m: m})
	m.logger.Info("Connection manager started, waiting for adapter power-on")
	return nil
}

// ScanForPeripheral enters the discovery path: known-identifier reconnect,
// then already-connected query, then active scan. No-op unless the adapter
// is powered on. Safe to call repeatedly; overlapping calls while already
// scanning or pursuing a target do not spawn extra attempts. A non-zero
// delay is forwarded to the connect call as a scheduling hint.
func (m *Manager) ScanForPeripheral(delay time.Duration) {
	m.loop.post(func() { m.scanLocked(delay) })
}

// Disconnect stops scanning and cancels the target's in-flight or active
// connection. It does not clear the intent to stay connected.
func (m *Manager) Disconnect() {
	m.loop.post(func() { m.disconnectLocked() })
}

// Close tears the manager down: clears the stay-connected intent, cancels
// any outstanding attempt, and discards the session. No retry fires after
// Close, even one already scheduled.
func (m *Manager) Close() error {
	m.loop.post(func() {
		m.stayConnected = false
		m.closed = true
		m.disconnectLocked()
		m.replaceTarget(nil)
	})
	m.loop.sync()
	m.loop.close()
	if m.adapter != nil {
		return m.adapter.Close()
	}
	return nil
}

// IsScanning reflects the adapter's scanning state directly.
func (m *Manager) IsScanning() bool {
	if m.adapter == nil {
		return false
	}
	return m.adapter.IsScanning()
}

// ----------------------------
// Loop-side state machine
// ----------------------------

func (m *Manager) scanLocked(delay time.Duration) {
	if m.closed || m.adapter == nil {
		return
	}
	if state := m.adapter.PowerState(); state != adapter.PoweredOn {
		// AdapterUnavailable: silently deferred, never reported
		m.logger.WithField("power_state", state.String()).Debug("Discovery deferred, adapter not powered on")
		return
	}

	// One candidate pursued at a time. Re-invocations while a target is
	// being connected are no-ops.
	if m.target != nil {
		switch m.target.State() {
		case adapter.Connecting, adapter.Connected:
			return
		}
	}

	// 1. Known-identifier reconnect. The acceptance policy is deliberately
	// bypassed: this identifier was already accepted once.
	if m.lastKnownID != "" {
		if known := m.adapter.RetrieveKnown([]string{m.lastKnownID}); len(known) > 0 {
			m.logger.WithField("peripheral", m.lastKnownID).Info("Reconnecting to known transmitter")
			m.replaceTarget(known[0])
			m.connectTarget(delay)
			return
		}
	}

	// 2. Already connected at the system level.
	services := []string{transmitter.AdvertisementServiceUUID, m.profile.ServiceUUID()}
	for _, p := range m.adapter.RetrieveConnected(services) {
		if !m.accepts(p) {
			continue
		}
		m.logger.WithField("peripheral", p.ID()).Info("Adopting system-connected transmitter")
		m.replaceTarget(p)
		m.connectTarget(delay)
		return
	}

	// 3. Active scan on the advertisement service.
	if m.adapter.IsScanning() {
		return
	}
	if err := m.adapter.Scan([]string{transmitter.AdvertisementServiceUUID}); err != nil {
		m.logger.WithError(err).Warn("Failed to start scan")
		m.scheduleRetry()
		return
	}
	m.logger.Info("Scanning for transmitter")
}

func (m *Manager) disconnectLocked() {
	if m.adapter == nil {
		return
	}
	if m.adapter.IsScanning() {
		m.adapter.StopScan()
	}
	if m.target != nil {
		if err := m.adapter.CancelConnection(m.target); err != nil {
			m.logger.WithError(err).Warn("Failed to cancel connection")
		}
	}
}

func (m *Manager) accepts(p adapter.Peripheral) bool {
	return m.policy == nil || m.policy(p)
}

// replaceTarget installs p as the single target, tearing down the previous
// session first. Passing nil clears the target. The manager never holds two
// live sessions: the old one is closed before the new one exists.
func (m *Manager) replaceTarget(p adapter.Peripheral) {
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.target = p
	if p == nil {
		return
	}

	m.session = sessionFactory(p, m.profile, m.adapter, m.logger,
		func(data []byte) {
			m.loop.post(func() { m.handleData(data) })
		},
		func(err error) {
			m.loop.post(func() { m.handleSessionError(err) })
		},
	)
	m.lastKnownID = p.ID()
	if m.idStore != nil {
		m.idStore.Store(p.ID())
	}
}

func (m *Manager) connectTarget(delay time.Duration) {
	if m.target == nil {
		return
	}
	if err := m.adapter.Connect(m.target, delay); err != nil {
		m.handleConnectFailed(m.target, err)
	}
}

// scheduleRetry rearms discovery after a disconnect or failed connect while
// the stay-connected intent holds. The platform only wakes us for background
// reconnection while actively scanning, so every retry re-enters active
// scanning rather than waiting passively. StayConnected is re-checked at
// fire time, so a retry scheduled before Close never runs after it.
func (m *Manager) scheduleRetry() {
	if !m.stayConnected {
		return
	}
	if dc, ok := m.adapter.(adapter.DelayedConnector); ok && dc.SupportsConnectDelay() {
		// Rescan right away; the shutoff-cycle grace rides on the connect
		// call as a native scheduling hint.
		delay := m.connectDelay
		m.loop.post(func() {
			if m.stayConnected {
				m.scanLocked(delay)
			}
		})
		return
	}
	m.loop.postDelayed(m.retryDelay, func() {
		if m.stayConnected {
			m.scanLocked(0)
		}
	})
}

// ----------------------------
// Adapter event handling
// ----------------------------

func (m *Manager) handlePowerStateChanged(state adapter.PowerState) {
	if m.closed {
		return
	}
	m.logger.WithField("power_state", state.String()).Debug("Adapter power state changed")
	if m.session != nil {
		m.session.OnPowerStateChanged(state)
	}
	if state == adapter.PoweredOn {
		m.scanLocked(0)
		return
	}
	// Connections are torn down by the adapter itself; only scanning needs
	// to be stopped here.
	if m.adapter.IsScanning() {
		m.adapter.StopScan()
	}
}

// handleStateRestored adopts peripherals the platform replayed after a
// relaunch. Every accepted replay overwrites the target, so the last
// accepted one wins; the replay order is preserved by the adapter, which
// makes the outcome deterministic.
func (m *Manager) handleStateRestored(peripherals []adapter.Peripheral) {
	if m.closed {
		return
	}
	for _, p := range peripherals {
		if !m.accepts(p) {
			m.logger.WithField("peripheral", p.ID()).Debug("Restored peripheral rejected by policy")
			continue
		}
		m.logger.WithField("peripheral", p.ID()).Info("Adopting restored transmitter")
		m.replaceTarget(p)
	}
}

func (m *Manager) handleDiscovered(p adapter.Peripheral, adv adapter.Advertisement) {
	if m.closed {
		return
	}
	if !m.accepts(p) {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.ID(),
			"name":       adv.LocalName(),
		}).Debug("Discovered peripheral rejected by policy, scan continues")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"peripheral": p.ID(),
		"name":       adv.LocalName(),
		"rssi":       adv.RSSI(),
	}).Info("Transmitter discovered")

	m.replaceTarget(p)
	m.adapter.StopScan()
	m.connectTarget(0)
}

func (m *Manager) handleConnected(p adapter.Peripheral) {
	if m.closed {
		return
	}
	if m.adapter.IsScanning() {
		m.adapter.StopScan()
	}
	if m.session != nil {
		m.session.OnConnected(m.adapter.PowerState(), p)
	}
	if m.adapter.PowerState() == adapter.PoweredOn && p.State() == adapter.Connected {
		m.logger.WithField("peripheral", p.ID()).Info("Transmitter connected")
		m.owner.Ready(nil)
	}
}

func (m *Manager) handleConnectFailed(p adapter.Peripheral, err error) {
	if m.closed {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"peripheral": p.ID(),
		"error":      err,
	}).Warn("Connect attempt failed")
	m.owner.Ready(&LinkError{Kind: KindConnectFailed, Err: err})
	m.scheduleRetry()
}

func (m *Manager) handleDisconnected(p adapter.Peripheral, err error) {
	if m.closed {
		return
	}
	if ExpectedDisconnect(err) {
		m.logger.WithField("peripheral", p.ID()).Debug("Transmitter ended the link")
	} else {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.ID(),
			"error":      err,
		}).Warn("Link dropped unexpectedly")
		m.owner.Ready(&LinkError{Kind: KindUnexpectedDisconnect, Err: err})
	}
	m.scheduleRetry()
}

func (m *Manager) handleData(data []byte) {
	if m.closed {
		return
	}
	m.owner.DataReceived(data)
}

func (m *Manager) handleSessionError(err error) {
	if m.closed {
		return
	}
	m.owner.Ready(err)
}

// barrier waits until every previously posted op has run. Test helper.
func (m *Manager) barrier() {
	m.loop.sync()
}

// adapterSink forwards adapter events onto the manager's loop. It is the
// only bridge between adapter goroutines and loop-owned state.
type adapterSink struct {
	m *Manager
}

func (s *adapterSink) PowerStateChanged(state adapter.PowerState) {
	s.m.loop.post(func() { s.m.handlePowerStateChanged(state) })
}

func (s *adapterSink) StateRestored(peripherals []adapter.Peripheral) {
	s.m.loop.post(func() { s.m.handleStateRestored(peripherals) })
}

func (s *adapterSink) Discovered(p adapter.Peripheral, adv adapter.Advertisement) {
	s.m.loop.post(func() { s.m.handleDiscovered(p, adv) })
}

func (s *adapterSink) Connected(p adapter.Peripheral) {
	s.m.loop.post(func() { s.m.handleConnected(p) })
}

func (s *adapterSink) ConnectFailed(p adapter.Peripheral, err error) {
	s.m.loop.post(func() { s.m.handleConnectFailed(p, err) })
}

func (s *adapterSink) Disconnected(p adapter.Peripheral, err error) {
	s.m.loop.post(func() { s.m.handleDisconnected(p, err) })
}
