// Package transport owns the WebSocket link to the classification server:
// connect, keepalive, reconnect-with-backoff and clean shutdown.
package transport

import "time"

// ConnectionState describes the current link status. A Manager holds exactly
// one and every transition goes through it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Sink receives everything the Manager observes, in transition order.
//
// Sink methods run while the Manager holds its lock: they must return quickly
// and must not call back into the Manager.
type Sink interface {
	// StateChanged reports each state transition.
	StateChanged(state ConnectionState)
	// Message delivers one inbound text or binary message.
	Message(data []byte)
	// Failed reports transport failures, always as *Error.
	Failed(err error)
}

// ReconnectSink is an optional Sink capability notified before each
// scheduled reconnect attempt.
type ReconnectSink interface {
	Reconnecting(attempt int, delay time.Duration)
}

// ReconnectPolicy controls what happens after an unexpected disconnect.
type ReconnectPolicy struct {
	Enabled      bool
	Base         time.Duration
	Factor       float64
	Cap          time.Duration
	MaxAttempts  int  // 0 = unlimited
	RetryInitial bool // also retry when the first Connect dial fails
}

// Config tunes the Manager. Zero fields fall back to DefaultConfig values.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration // must be shorter than PongWait
	MaxMessageSize   int64
	SendQueueSize    int
	Reconnect        ReconnectPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendQueueSize:    256,
		Reconnect: ReconnectPolicy{
			Enabled: true,
			Base:    1 * time.Second,
			Factor:  2,
			Cap:     30 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = d.Reconnect.Base
	}
	if c.Reconnect.Factor < 1 {
		c.Reconnect.Factor = d.Reconnect.Factor
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		c.Reconnect.Cap = max(d.Reconnect.Cap, c.Reconnect.Base)
	}
	return c
}
