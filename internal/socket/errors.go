package socket

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted without an
	// established connection.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrAckTimeout is returned when a request's acknowledgement does not
	// arrive within the request timeout.
	ErrAckTimeout = errors.New("socket: ack timeout")

	// ErrConnectionClosed is the failure delivered to requests still
	// pending when the connection drops.
	ErrConnectionClosed = errors.New("socket: connection closed")

	// ErrAuthRejected is returned when the server answers the handshake
	// with an auth-error event.
	ErrAuthRejected = errors.New("socket: authentication rejected")

	// ErrVersionMismatch is returned by versioned update requests when the
	// server holds a newer version than the caller expected.
	ErrVersionMismatch = errors.New("socket: version mismatch")
)
