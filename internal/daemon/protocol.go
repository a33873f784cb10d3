package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/session"
)

// RequestType names a daemon operation.
type RequestType string

const (
	ReqPing       RequestType = "ping"
	ReqConnect    RequestType = "connect"
	ReqExecute    RequestType = "execute"
	ReqDetach     RequestType = "detach"
	ReqStatus     RequestType = "status"
	ReqDisconnect RequestType = "disconnect"
	ReqShutdown   RequestType = "shutdown"

	// ReqClearMonitor empties the console monitor window before an
	// independent procedure.
	ReqClearMonitor RequestType = "clear_monitor"
)

// Request is one line of JSON sent by a client.
type Request struct {
	ID        string      `json:"id"`
	Type      RequestType `json:"type"`
	CPUID     int         `json:"cpu_id,omitempty"`
	Label     string      `json:"label,omitempty"`
	Command   string      `json:"command,omitempty"`
	TimeoutMS int64       `json:"timeout_ms,omitempty"`
}

func (r Request) selector() session.Selector {
	return session.Selector{ID: r.CPUID, Label: r.Label}
}

func (r Request) timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Response answers a Request with the same ID.
type Response struct {
	ID     string           `json:"id"`
	OK     bool             `json:"ok"`
	Result *protocol.Result `json:"result,omitempty"`
	State  *session.State   `json:"state,omitempty"`
	Status *Status          `json:"status,omitempty"`

	// Monitor is the console monitor status right after an execute.
	Monitor *monitoring.Status `json:"monitor,omitempty"`

	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Status describes the running daemon.
type Status struct {
	PID       int               `json:"pid"`
	Version   string            `json:"version"`
	Commit    string            `json:"commit,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Socket    string            `json:"socket"`
	FeedAddr  string            `json:"feed_addr,omitempty"`
	Session   session.State     `json:"session"`
	Monitor   monitoring.Status `json:"monitor"`
	Events    events.Metrics    `json:"events"`
}

// ErrorCode classifies a failed Response so clients can rebuild the error.
type ErrorCode string

const (
	CodeInvalid      ErrorCode = "invalid_request"
	CodeNotConnected ErrorCode = "not_connected"
	CodeNoSuchCPU    ErrorCode = "no_such_cpu"
	CodeTimeout      ErrorCode = "timeout"
	CodeTransport    ErrorCode = "transport"
	CodeStale        ErrorCode = "session_stale"
	CodeBusy         ErrorCode = "busy"
	CodeDetached     ErrorCode = "detached"
	CodeFailed       ErrorCode = "failed"
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeNotConnected, session.ErrNotConnected},
	{CodeNoSuchCPU, session.ErrNoSuchCPU},
	{CodeTimeout, protocol.ErrTimeout},
	{CodeTransport, protocol.ErrTransport},
	{CodeStale, protocol.ErrSessionStale},
	{CodeBusy, protocol.ErrBusy},
	{CodeDetached, protocol.ErrDetached},
}

func codeFor(err error) ErrorCode {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeFailed
}

// RemoteError is a failure reported by the daemon. It unwraps to the
// matching local sentinel so errors.Is works across the socket.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	for _, ce := range codeErrors {
		if ce.code == e.Code {
			return ce.err
		}
	}
	return nil
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Code: codeFor(err), Error: err.Error()}
}

func decodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return req, fmt.Errorf("decoding request: %w", err)
	}
	if req.Type == "" {
		return req, errors.New("request has no type")
	}
	return req, nil
}

func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
