package connmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies owner-facing link failures.
type ErrorKind string

const (
	// KindAdapterUnavailable means the radio is not powered on. Discovery is
	// silently deferred; this kind never reaches the owner.
	KindAdapterUnavailable ErrorKind = "adapter_unavailable"
	// KindConnectFailed means a connection attempt was refused or timed out.
	KindConnectFailed ErrorKind = "connect_failed"
	// KindUnexpectedDisconnect means an established link dropped for a
	// reason other than the transmitter's normal shutoff cycle.
	KindUnexpectedDisconnect ErrorKind = "unexpected_disconnect"
	// KindSessionConfiguration means the peripheral session could not arm
	// its characteristic subscriptions after connecting.
	KindSessionConfiguration ErrorKind = "session_configuration"
)

// LinkError is the single owner-facing error type. All adapter and session
// level failures are translated into one of its kinds before reaching the
// owner's readiness callback.
type LinkError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *LinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare LinkError values by Kind.
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for errors.Is comparisons by kind.
var (
	ErrConnectFailed        = &LinkError{Kind: KindConnectFailed}
	ErrUnexpectedDisconnect = &LinkError{Kind: KindUnexpectedDisconnect}
	ErrSessionConfiguration = &LinkError{Kind: KindSessionConfiguration}
)

// ErrPeerClosed is the cause adapters report when the peripheral ended the
// link on its own. The transmitter does this after every reading cycle, so
// it is classified as an expected disconnect.
var ErrPeerClosed = errors.New("link closed by peripheral")

// ExpectedDisconnect reports whether a disconnect cause is the transmitter's
// normal remote-initiated teardown or a locally requested cancellation.
// Expected disconnects are not surfaced to the owner; they still rearm the
// retry loop. String matching covers platform stacks that only expose
// message text for this condition.
func ExpectedDisconnect(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrPeerClosed) || errors.Is(err, context.Canceled) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "disconnected from us"):
		return true
	case strings.Contains(msg, "peer removed pairing information"):
		return true
	case strings.Contains(msg, "connection canceled"):
		return true
	default:
		return false
	}
}
