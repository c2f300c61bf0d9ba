package channels

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned when a connect is requested for a key
	// that already has a registered connector and force was not set.
	ErrAlreadyConnected = errors.New("channel already connected")

	// ErrChannelNotFound is returned for operations against a key with no
	// registered connector.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrCredentialMissing is returned when no usable upstream credential
	// exists for a tenant (no provider API key, no stored token).
	ErrCredentialMissing = errors.New("no usable credential configured")

	// ErrUnauthorizedWebhook is returned when an inbound platform callback
	// fails signature or bearer validation.
	ErrUnauthorizedWebhook = errors.New("webhook authorization failed")
)

// UnsupportedTypeError is returned when no factory is registered for a
// channel type.
type UnsupportedTypeError struct {
	ChannelType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported channel type %q", e.ChannelType)
}

// ConnectError wraps a network or auth failure while opening a channel.
// The background service records it in runtime state instead of
// propagating it to callers.
type ConnectError struct {
	ChannelType string
	Err         error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.ChannelType, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DeliveryError wraps a failed send on an already-connected channel.
// Logged and retried at most once by the caller, never indefinitely.
type DeliveryError struct {
	ChannelType string
	ChatID      string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s chat %s: %v", e.ChannelType, e.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
