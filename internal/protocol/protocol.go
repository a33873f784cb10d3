// Package protocol turns an interactive kOS console into a request/response
// command API.
//
// Each command is framed with a trailing statement that prints a unique
// sentinel. The console echoes what it was sent as well as what it produces,
// so the engine keeps only the bytes between the echo of the framed request
// and the line holding the sentinel on its own.
package protocol

import (
	"context"
	"errors"
	"time"
)

// Errors returned alongside a failed Result.
var (
	// ErrTransport means the channel is closed or unreachable. The session
	// must be reconnected before further use.
	ErrTransport = errors.New("transport error")

	// ErrTimeout means the sentinel was not observed before the deadline.
	ErrTimeout = errors.New("command timed out")

	// ErrSessionStale means a health check failed on an apparently open
	// session. Callers treat it like ErrTransport.
	ErrSessionStale = errors.New("session stale")

	// ErrBusy is returned under the reject policy when a command is already
	// in flight.
	ErrBusy = errors.New("session busy")

	// ErrDetached means a fire-and-forget command was sent and the console
	// state is unknown until the engine is reset.
	ErrDetached = errors.New("session detached")
)

// Result is the outcome of one command. Output holds only bytes the console
// produced for this command.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful Result from err.
func Failed(err error, output string) Result {
	return Result{Output: output, Error: err.Error()}
}

// Executor is the contract every higher-level procedure is built on.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string, timeout time.Duration) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	return f(ctx, command, timeout)
}

// Observer receives every complete line read from the console, whichever
// command it belongs to.
type Observer interface {
	TrackLine(line string)
}

// Policy selects what Execute does while another command is in flight.
type Policy int

const (
	// PolicyQueue makes callers wait in FIFO order.
	PolicyQueue Policy = iota
	// PolicyReject fails immediately with ErrBusy.
	PolicyReject
)

func (p Policy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "queue"
}
