package connmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/cgmlink/internal/adapter"
	"github.com/srg/cgmlink/internal/transmitter"
)

// SessionTestSuite exercises PeripheralSession against a fake GATT surface.
type SessionTestSuite struct {
	suite.Suite

	fa      *fakeAdapter
	p       *fakePeripheral
	session *PeripheralSession
	data    [][]byte
	errs    []error
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (suite *SessionTestSuite) SetupTest() {
	suite.fa = newFakeAdapter()
	suite.p = newFakePeripheral("AA:11", "DexcomXY")
	suite.data = nil
	suite.errs = nil

	suite.session = NewPeripheralSession(suite.p, transmitter.DefaultProfile(), suite.fa, quietLogger(),
		func(data []byte) { suite.data = append(suite.data, data) },
		func(err error) { suite.errs = append(suite.errs, err) },
	)
}

func (suite *SessionTestSuite) connect() {
	suite.p.setState(adapter.Connected)
	suite.session.OnConnected(adapter.PoweredOn, suite.p)
}

func (suite *SessionTestSuite) TestSubscribesInHandshakeOrder() {
	// GOAL: Verify subscriptions are armed in profile order
	//
	// TEST SCENARIO: connect → authentication, control, backfill armed in
	// that exact order

	suite.connect()

	suite.Empty(suite.errs, "arming MUST succeed")
	suite.Equal([]string{
		transmitter.AuthenticationCharUUID,
		transmitter.ControlCharUUID,
		transmitter.BackfillCharUUID,
	}, suite.fa.gatt.subscriptions(), "subscriptions MUST follow handshake order")
}

func (suite *SessionTestSuite) TestOnConnectedArmsOnlyOnce() {
	suite.connect()
	suite.connect()

	suite.Len(suite.fa.gatt.subscriptions(), 3, "re-delivered connect events MUST NOT re-arm subscriptions")
}

func (suite *SessionTestSuite) TestIgnoresForeignPeripheral() {
	stranger := newFakePeripheral("BB:22", "Other")
	stranger.setState(adapter.Connected)

	suite.session.OnConnected(adapter.PoweredOn, stranger)

	suite.Empty(suite.fa.gatt.subscriptions(), "a session MUST only arm its own peripheral")
}

func (suite *SessionTestSuite) TestIgnoresConnectWithoutPower() {
	suite.p.setState(adapter.Connected)
	suite.session.OnConnected(adapter.PoweredOff, suite.p)

	suite.Empty(suite.fa.gatt.subscriptions(), "arming MUST wait for a powered-on radio")
}

func (suite *SessionTestSuite) TestControlAndBackfillPayloadsReachOwner() {
	// GOAL: Verify data routing by characteristic role
	//
	// TEST SCENARIO: control and backfill notifications → forwarded verbatim;
	// authentication notifications → kept inside the session

	suite.connect()

	suite.fa.gatt.notify(transmitter.ControlCharUUID, []byte{0x01, 0x02})
	suite.fa.gatt.notify(transmitter.BackfillCharUUID, []byte{0x03})
	suite.fa.gatt.notify(transmitter.AuthenticationCharUUID, []byte{0xFF})

	suite.Require().Len(suite.data, 2, "only control and backfill payloads MUST be forwarded")
	suite.Equal([]byte{0x01, 0x02}, suite.data[0])
	suite.Equal([]byte{0x03}, suite.data[1])
}

func (suite *SessionTestSuite) TestSubscribeFailureIsConfigurationError() {
	suite.fa.gatt.subscribeErr[transmitter.ControlCharUUID] = errors.New("ATT error 0x0e")

	suite.connect()

	suite.Require().Len(suite.errs, 1, "a failed subscribe MUST surface exactly one error")
	suite.ErrorIs(suite.errs[0], ErrSessionConfiguration, "failure MUST be classified as session_configuration")
}

func (suite *SessionTestSuite) TestGATTUnavailableIsConfigurationError() {
	suite.fa.gatt = nil

	suite.connect()

	suite.Require().Len(suite.errs, 1)
	suite.ErrorIs(suite.errs[0], ErrSessionConfiguration)
}

func (suite *SessionTestSuite) TestPowerLossDisarmsAndReconnectRearms() {
	suite.connect()
	suite.Require().Len(suite.fa.gatt.subscriptions(), 3)

	suite.session.OnPowerStateChanged(adapter.PoweredOff)
	suite.connect()

	suite.Len(suite.fa.gatt.subscriptions(), 6, "a power cycle MUST re-arm the subscriptions")
}

func (suite *SessionTestSuite) TestClosedSessionDropsCallbacks() {
	suite.connect()
	suite.session.Close()

	suite.fa.gatt.notify(transmitter.ControlCharUUID, []byte{0x01})
	suite.session.OnConnected(adapter.PoweredOn, suite.p)

	suite.Empty(suite.data, "a closed session MUST drop late notifications")
	suite.Len(suite.fa.gatt.subscriptions(), 3, "a closed session MUST NOT re-arm")
}
