package connmgr

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/transmitter"
)

// DataFunc receives raw payload bytes from the transmitter's data channels.
type DataFunc func(data []byte)

// ErrFunc receives session-level failures, already wrapped as LinkError.
type ErrFunc func(err error)

// peripheralSession is the surface the manager drives. A var factory below
// lets tests substitute fakes, mirroring the adapter factory.
type peripheralSession interface {
	OnPowerStateChanged(state adapter.PowerState)
	OnConnected(state adapter.PowerState, p adapter.Peripheral)
	Close()
}

// sessionFactory creates peripheral sessions. A var so tests can override it.
var sessionFactory = func(p adapter.Peripheral, profile *transmitter.Profile, a adapter.Adapter,
	logger *logrus.Logger, onData DataFunc, onError ErrFunc) peripheralSession {
	return NewPeripheralSession(p, profile, a, logger, onData, onError)
}

// PeripheralSession owns post-connect protocol interaction with exactly one
// peripheral: it arms the profile's characteristic subscriptions in handshake
// order and relays inbound payloads verbatim. It is bound 1:1 to its handle;
// a new target always means a new session.
//
// All methods are invoked from the manager's event loop, so the session
// carries no locking of its own.
type PeripheralSession struct {
	peripheral adapter.Peripheral
	profile    *transmitter.Profile
	adapter    adapter.Adapter
	logger     *logrus.Logger
	onData     DataFunc
	onError    ErrFunc

	// armed is touched only on the manager loop; closed is also read by
	// notification handlers on adapter goroutines, hence atomic.
	armed  bool
	closed atomic.Bool
}

// NewPeripheralSession binds a session to one peripheral handle. onData and
// onError must be non-blocking; the manager posts them back onto its loop.
func NewPeripheralSession(p adapter.Peripheral, profile *transmitter.Profile, a adapter.Adapter,
	logger *logrus.Logger, onData DataFunc, onError ErrFunc) *PeripheralSession {
	if logger == nil {
		logger = logrus.New()
	}
	return &PeripheralSession{
		peripheral: p,
		profile:    profile,
		adapter:    a,
		logger:     logger,
		onData:     onData,
		onError:    onError,
	}
}

// Peripheral returns the handle this session is bound to.
func (s *PeripheralSession) Peripheral() adapter.Peripheral {
	return s.peripheral
}

// OnPowerStateChanged tracks radio power transitions. Losing power
// invalidates the armed subscriptions; they are re-armed on the next
// OnConnected.
func (s *PeripheralSession) OnPowerStateChanged(state adapter.PowerState) {
	if s.closed.Load() {
		return
	}
	if state != adapter.PoweredOn && s.armed {
		s.logger.WithField("power_state", state.String()).Debug("Radio lost power, session subscriptions dropped")
		s.armed = false
	}
}

// OnConnected arms the profile subscriptions once per established link.
// Configuration failures are surfaced through the readiness channel as
// session-configuration errors; the manager's retry loop handles recovery.
func (s *PeripheralSession) OnConnected(state adapter.PowerState, p adapter.Peripheral) {
	if s.closed.Load() || s.armed {
		return
	}
	if state != adapter.PoweredOn {
		return
	}
	if p == nil || p.ID() != s.peripheral.ID() {
		return
	}

	gatt, err := s.adapter.GATT(p)
	if err != nil {
		s.fail(fmt.Errorf("no GATT surface for %s: %w", p.ID(), err))
		return
	}

	serviceUUID := s.profile.ServiceUUID()
	for _, sub := range s.profile.Subscriptions() {
		if err := gatt.Subscribe(serviceUUID, sub.CharacteristicUUID, s.handlerFor(sub.Role)); err != nil {
			s.fail(fmt.Errorf("subscribe %s (%s): %w", sub.CharacteristicUUID, sub.Role, err))
			return
		}
		s.logger.WithFields(logrus.Fields{
			"peripheral":     p.ID(),
			"characteristic": sub.CharacteristicUUID,
			"role":           sub.Role.String(),
		}).Debug("Subscription armed")
	}

	s.armed = true
	s.logger.WithField("peripheral", p.ID()).Info("Transmitter session ready")
}

// handlerFor routes a characteristic's notifications by role. Control and
// backfill payloads go to the owner unmodified; authentication traffic stays
// inside the session.
func (s *PeripheralSession) handlerFor(role transmitter.CharacteristicRole) func([]byte) {
	switch role {
	case transmitter.RoleAuthentication:
		return func(data []byte) {
			if s.closed.Load() {
				return
			}
			s.logger.WithField("bytes", len(data)).Debug("Authentication frame received")
		}
	default:
		return func(data []byte) {
			if s.closed.Load() {
				return
			}
			if s.onData != nil {
				s.onData(data)
			}
		}
	}
}

func (s *PeripheralSession) fail(cause error) {
	s.logger.WithError(cause).Error("Session configuration failed")
	if s.onError != nil {
		s.onError(&LinkError{Kind: KindSessionConfiguration, Err: cause})
	}
}

// Close detaches the session. Live subscriptions die with the link; tearing
// the link down is the manager's job via CancelConnection.
func (s *PeripheralSession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.armed = false
	s.logger.WithField("peripheral", s.peripheral.ID()).Debug("Session closed")
}
