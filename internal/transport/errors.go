package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send unless the state is Connected.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned by Connect when a link is up or being set up.
	ErrAlreadyConnected = errors.New("transport: already connected or connecting")
	// ErrClosing is returned by Connect while Close is in progress.
	ErrClosing = errors.New("transport: closing")
	// ErrSendQueueFull is returned by Send when the outbound queue is at capacity.
	ErrSendQueueFull = errors.New("transport: send queue full")
	// ErrInvalidEndpoint is returned by Connect for non ws/wss URLs.
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
	// ErrReconnectExhausted is reported once MaxAttempts reconnects have failed.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Error is a transport failure: refused or timed-out dial, failed handshake,
// broken read/write or remote close.
type Error struct {
	Op       string // "dial", "read", "write", "ping", "close", "reconnect"
	Endpoint string
	Err      error
	Dropped  int // queued outbound messages discarded with the connection
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
	if e.Dropped > 0 {
		msg += fmt.Sprintf(" (%d queued messages dropped)", e.Dropped)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
