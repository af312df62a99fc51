package connmgr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *LinkError
		expected string
	}{
		{
			name:     "kind only",
			err:      &LinkError{Kind: KindConnectFailed},
			expected: "connect_failed",
		},
		{
			name:     "kind with cause",
			err:      &LinkError{Kind: KindUnexpectedDisconnect, Err: errors.New("connection timeout")},
			expected: "unexpected_disconnect: connection timeout",
		},
		{
			name:     "session configuration",
			err:      &LinkError{Kind: KindSessionConfiguration, Err: errors.New("subscribe refused")},
			expected: "session_configuration: subscribe refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestLinkErrorKindMatching(t *testing.T) {
	cause := errors.New("connection timeout")
	err := fmt.Errorf("wrapped: %w", &LinkError{Kind: KindConnectFailed, Err: cause})

	assert.ErrorIs(t, err, ErrConnectFailed, "errors.Is MUST match by kind through wrapping")
	assert.NotErrorIs(t, err, ErrUnexpectedDisconnect, "different kinds MUST NOT match")
	assert.ErrorIs(t, err, cause, "Unwrap MUST expose the underlying cause")
}

func TestExpectedDisconnect(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil means remote ended the link normally",
			err:      nil,
			expected: true,
		},
		{
			name:     "peer closed sentinel",
			err:      ErrPeerClosed,
			expected: true,
		},
		{
			name:     "wrapped peer closed sentinel",
			err:      fmt.Errorf("link: %w", ErrPeerClosed),
			expected: true,
		},
		{
			name:     "local cancellation",
			err:      context.Canceled,
			expected: true,
		},
		{
			name:     "platform text: disconnected from us",
			err:      errors.New("The specified device has disconnected from us"),
			expected: true,
		},
		{
			name:     "platform text: pairing removed",
			err:      errors.New("Peer removed pairing information"),
			expected: true,
		},
		{
			name:     "platform text: connection canceled",
			err:      errors.New("Connection canceled by caller"),
			expected: true,
		},
		{
			name:     "connection timeout is unexpected",
			err:      errors.New("connection timeout"),
			expected: false,
		},
		{
			name:     "generic failure is unexpected",
			err:      errors.New("ATT error 0x0e"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpectedDisconnect(tt.err))
		})
	}
}
