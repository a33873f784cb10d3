package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orbitwright/kosctl/internal/terminal"
)

// maxStale bounds how many timed-out sentinels are remembered.
const maxStale = 8

// Config configures an Engine.
type Config struct {
	// PollInterval is how often the transport is read while waiting when it
	// does not implement terminal.Notifier (and as a fallback when it does).
	// Zero means 50ms.
	PollInterval time.Duration

	// Policy selects queueing or rejection of concurrent commands.
	Policy Policy

	// Observer, when set, receives every complete line read.
	Observer Observer

	// NewSentinel overrides sentinel generation; tests use it for
	// deterministic framing.
	NewSentinel func() string

	Logger *slog.Logger
}

// Engine executes framed commands over a Transport, one at a time.
type Engine struct {
	tr     terminal.Transport
	cfg    Config
	logger *slog.Logger

	// slot is a one-token semaphore. Blocked senders on a channel are woken
	// in arrival order, which makes the queue FIFO.
	slot chan struct{}

	mu       sync.Mutex
	stale    []string
	detached bool
	partial  string // incomplete trailing line not yet passed to the observer
}

// NewEngine creates an engine over tr.
func NewEngine(tr terminal.Transport, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.NewSentinel == nil {
		cfg.NewSentinel = NewSentinel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		tr:     tr,
		cfg:    cfg,
		logger: logger,
		slot:   make(chan struct{}, 1),
	}
}

// Execute sends command framed with a fresh sentinel and waits until the
// sentinel line arrives or timeout elapses. The timeout starts when the
// command is sent; time spent queued behind other commands is bounded only
// by ctx.
//
// A failed Result is always accompanied by a non-nil error wrapping one of
// ErrTransport, ErrTimeout, ErrBusy, ErrDetached or the context error.
func (e *Engine) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if err := e.acquire(ctx); err != nil {
		return Failed(err, ""), err
	}
	defer e.release()

	e.mu.Lock()
	detached := e.detached
	e.mu.Unlock()
	if detached {
		return Failed(ErrDetached, ""), ErrDetached
	}
	if !e.tr.IsOpen() {
		err := fmt.Errorf("%w: %v", ErrTransport, terminal.ErrClosed)
		return Failed(err, ""), err
	}

	// Anything already buffered belongs to an earlier command.
	if err := e.drain(); err != nil {
		return Failed(err, ""), err
	}

	sentinel := e.cfg.NewSentinel()
	if err := e.tr.Send([]byte(Frame(command, sentinel))); err != nil {
		err = fmt.Errorf("%w: sending command: %v", ErrTransport, err)
		return Failed(err, ""), err
	}
	e.logger.Debug("command sent", "command", command, "sentinel", sentinel, "timeout", timeout)

	return e.await(ctx, sentinel, timeout)
}

func (e *Engine) await(ctx context.Context, sentinel string, timeout time.Duration) (Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var ready <-chan struct{}
	if n, ok := e.tr.(terminal.Notifier); ok {
		ready = n.Ready()
	}

	var buf strings.Builder
	for {
		data, err := e.tr.ReadAvailable()
		if len(data) > 0 {
			buf.Write(data)
			e.observe(string(data))
		}
		if out, found := splitResponse(buf.String(), sentinel, e.staleSentinels()); found {
			e.forgetStale(buf.String())
			return Result{Success: true, Output: out}, nil
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
			return Failed(err, e.partialOutput(buf.String(), sentinel)), err
		}

		select {
		case <-ready:
		case <-ticker.C:
		case <-deadline.C:
			e.markStale(sentinel)
			err := fmt.Errorf("%w after %s waiting for command completion", ErrTimeout, timeout)
			e.logger.Warn("command timed out", "sentinel", sentinel, "timeout", timeout)
			return Failed(err, e.partialOutput(buf.String(), sentinel)), err
		case <-ctx.Done():
			e.markStale(sentinel)
			err := ctx.Err()
			return Failed(err, e.partialOutput(buf.String(), sentinel)), err
		}
	}
}

// Detach sends command without a sentinel and returns as soon as it is
// written. It is meant for commands that tear the session down (a scene
// reload, a reboot) so no completion can be observed. The engine refuses
// further commands with ErrDetached until Reset.
func (e *Engine) Detach(ctx context.Context, command string) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	e.detached = true
	e.mu.Unlock()

	data := command
	if !strings.HasSuffix(data, "\n") && data != "\x04" {
		data += "\n"
	}
	if err := e.tr.Send([]byte(data)); err != nil {
		return fmt.Errorf("%w: sending detached command: %v", ErrTransport, err)
	}
	e.logger.Debug("detached command sent", "command", command)
	return nil
}

// Reset clears detached and stale state, typically after the transport was
// reopened.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = false
	e.stale = nil
	e.partial = ""
}

// Detached reports whether a fire-and-forget command was sent since the last
// Reset.
func (e *Engine) Detached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detached
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.cfg.Policy == PolicyReject {
		select {
		case e.slot <- struct{}{}:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.slot
}

// drain discards buffered bytes, still showing them to the observer.
func (e *Engine) drain() error {
	data, err := e.tr.ReadAvailable()
	if len(data) > 0 {
		e.observe(string(data))
		e.forgetStale(string(data))
		e.logger.Debug("discarded stale output", "bytes", len(data))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// observe forwards complete lines to the observer.
func (e *Engine) observe(data string) {
	if e.cfg.Observer == nil {
		return
	}
	e.mu.Lock()
	text := e.partial + data
	lines := strings.Split(text, "\n")
	e.partial = lines[len(lines)-1]
	e.mu.Unlock()
	for _, line := range lines[:len(lines)-1] {
		if strings.TrimSpace(line) != "" {
			e.cfg.Observer.TrackLine(line)
		}
	}
}

func (e *Engine) partialOutput(buf, sentinel string) string {
	return cleanOutput(buf, sentinel, e.staleSentinels())
}

func (e *Engine) staleSentinels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stale) == 0 {
		return nil
	}
	return append([]string(nil), e.stale...)
}

func (e *Engine) markStale(sentinel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stale = append(e.stale, sentinel)
	if len(e.stale) > maxStale {
		e.stale = e.stale[len(e.stale)-maxStale:]
	}
}

// forgetStale drops stale sentinels that have now been seen; their late
// output has been consumed.
func (e *Engine) forgetStale(seen string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.stale[:0]
	for _, s := range e.stale {
		if !containsSentinelLine(seen, s) {
			kept = append(kept, s)
		}
	}
	e.stale = kept
}

// IsTimeout reports whether err came from a command deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err means the session must be reconnected.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrSessionStale)
}
