package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/session"
)

// ErrNotRunning means nothing is listening on the daemon socket.
var ErrNotRunning = errors.New("daemon not running")

// Client talks to a daemon over its Unix socket. Each call uses a fresh
// connection, so a Client is safe for concurrent use.
type Client struct {
	socket      string
	dialTimeout time.Duration
}

// NewClient creates a Client for socket.
func NewClient(socket string) *Client {
	return &Client{socket: socket, dialTimeout: 2 * time.Second}
}

// Socket returns the socket path.
func (c *Client) Socket() string { return c.socket }

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	data, err := encodeLine(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("sending %s request: %w", req.Type, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("reading %s response: %w", req.Type, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding %s response: %w", req.Type, err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.OK {
		return resp, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: ReqPing})
	return err
}

// Connect attaches the daemon's session to the CPU matching sel.
func (c *Client) Connect(ctx context.Context, sel session.Selector) (session.State, error) {
	resp, err := c.call(ctx, Request{Type: ReqConnect, CPUID: sel.ID, Label: sel.Label})
	if err != nil {
		return session.State{}, err
	}
	return *resp.State, nil
}

// Execute runs command on the daemon's session. It satisfies
// protocol.Executor, so procedures can run through the daemon.
func (c *Client) Execute(ctx context.Context, command string, timeout time.Duration) (protocol.Result, error) {
	res, _, err := c.ExecuteMonitored(ctx, command, timeout)
	return res, err
}

// ExecuteMonitored runs command like Execute and also returns the daemon's
// console monitor status as of the command's completion.
func (c *Client) ExecuteMonitored(ctx context.Context, command string, timeout time.Duration) (protocol.Result, monitoring.Status, error) {
	resp, err := c.call(ctx, Request{Type: ReqExecute, Command: command, TimeoutMS: timeout.Milliseconds()})
	var mon monitoring.Status
	if resp.Monitor != nil {
		mon = *resp.Monitor
	}
	if resp.Result == nil {
		if err == nil {
			err = errors.New("execute response carries no result")
		}
		return protocol.Failed(err, ""), mon, err
	}
	return *resp.Result, mon, err
}

// ClearMonitor empties the daemon's console monitor window.
func (c *Client) ClearMonitor(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: ReqClearMonitor})
	return err
}

// Detach sends command without waiting for completion.
func (c *Client) Detach(ctx context.Context, command string) error {
	_, err := c.call(ctx, Request{Type: ReqDetach, Command: command})
	return err
}

// Status returns the daemon's status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.call(ctx, Request{Type: ReqStatus})
	if err != nil {
		return Status{}, err
	}
	return *resp.Status, nil
}

// Disconnect detaches the daemon's session.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: ReqDisconnect})
	return err
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: ReqShutdown})
	return err
}

// EnsureRunning pings the daemon and, when nothing answers, calls spawn and
// waits up to wait for it to come up.
func (c *Client) EnsureRunning(ctx context.Context, spawn func() error, wait time.Duration) error {
	if err := c.Ping(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotRunning) {
		return err
	}
	if err := spawn(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not come up within %s: %w", wait, err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
