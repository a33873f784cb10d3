// Package terminal provides byte-level transports to the kOS telnet console.
//
// Two implementations share the Transport contract: SocketTransport talks to
// the telnet server directly over TCP, and TmuxTransport drives a telnet
// client inside a tmux pane so a human can watch (and type into) the same
// session while automation runs.
package terminal

import (
	"context"
	"errors"
)

// ErrClosed is returned when a transport is used after it was closed or lost.
var ErrClosed = errors.New("transport closed")

// Transport is a duplex byte channel to a remote console.
type Transport interface {
	// Open establishes the channel. Opening an open transport is a no-op.
	Open(ctx context.Context) error

	// Send writes raw bytes to the console.
	Send(data []byte) error

	// ReadAvailable returns bytes that arrived since the previous call.
	// It never blocks and returns an empty slice when nothing is new.
	ReadAvailable() ([]byte, error)

	// Close tears the channel down. Closing twice is not an error.
	Close() error

	// IsOpen reports whether the channel is usable.
	IsOpen() bool
}

// Notifier is implemented by transports that can signal new data instead of
// being polled. Ready fires at least once after bytes become readable.
type Notifier interface {
	Ready() <-chan struct{}
}
