// ABOUTME: Resolves where console commands run: the shared daemon session
// ABOUTME: (auto-spawned on first use) or a private in-process session.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orbitwright/kosctl/internal/config"
	"github.com/orbitwright/kosctl/internal/daemon"
	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/session"
	"github.com/orbitwright/kosctl/internal/terminal"
	"github.com/orbitwright/kosctl/internal/version"
)

// backend is a console session as seen by a command.
type backend interface {
	protocol.Executor
	Detach(ctx context.Context, command string) error
	Health(ctx context.Context) error
	// Monitor watches the session's console for error loops; nil when the
	// session has none.
	Monitor() consoleMonitor
	Close()
}

// consoleMonitor is what procedures need from the output monitor.
type consoleMonitor interface {
	Status() monitoring.Status
	Clear()
}

// openBackend returns a session attached to the configured CPU.
func openBackend(ctx context.Context, bus *events.Bus) (backend, error) {
	if flagDirect {
		return openDirect(ctx, bus)
	}
	return openDaemon(ctx)
}

func newTransport(c *config.Config, log *slog.Logger) terminal.Transport {
	if c.Connection.Transport == config.TransportTmux {
		return terminal.NewTmuxTransport(terminal.TmuxConfig{
			Session:       c.Connection.TmuxSession,
			Addr:          c.Address(),
			TelnetCommand: c.Connection.TelnetCommand,
			Logger:        log,
		})
	}
	return terminal.NewSocketTransport(terminal.SocketConfig{
		Addr:        c.Address(),
		KeepAlive:   c.Connection.KeepAlive,
		DialTimeout: c.Connection.ConnectTimeout,
		Logger:      log,
	})
}

// newManager builds a session whose monitor republishes console lines on bus.
func newManager(c *config.Config, bus *events.Bus, log *slog.Logger) *session.Manager {
	mon := monitoring.New(monitoring.WithLineHook(func(line string, kind monitoring.Kind) {
		bus.Publish(events.Event{Type: events.EventLine, Source: "monitor", Phase: string(kind), Message: line})
	}))
	return session.NewManager(session.Config{
		Transport:         newTransport(c, log),
		ConnectTimeout:    c.Connection.ConnectTimeout,
		CommandTimeout:    c.Connection.CommandTimeout,
		HealthTimeout:     c.Connection.HealthTimeout,
		PollInterval:      c.Connection.PollInterval,
		ReconnectAttempts: c.Connection.ReconnectAttempts,
		ReconnectBackoff:  c.Connection.ReconnectBackoff,
		Monitor:           mon,
		Events:            bus,
		Logger:            log,
	})
}

type directBackend struct {
	mgr *session.Manager
}

func openDirect(ctx context.Context, bus *events.Bus) (*directBackend, error) {
	mgr := newManager(cfg, bus, logger)
	if _, err := mgr.Connect(ctx, selector()); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Address(), err)
	}
	return &directBackend{mgr: mgr}, nil
}

func (b *directBackend) Execute(ctx context.Context, command string, timeout time.Duration) (protocol.Result, error) {
	return b.mgr.Execute(ctx, command, timeout)
}

func (b *directBackend) Detach(ctx context.Context, command string) error {
	return b.mgr.Detach(ctx, command)
}

func (b *directBackend) Health(ctx context.Context) error { return b.mgr.HealthCheck(ctx) }
func (b *directBackend) Close()                           { b.mgr.Disconnect() }

func (b *directBackend) Monitor() consoleMonitor {
	if m := b.mgr.Monitor(); m != nil {
		return m
	}
	return nil
}

type daemonBackend struct {
	client        *daemon.Client
	monitor       *daemonMonitor
	healthTimeout time.Duration
}

func openDaemon(ctx context.Context) (*daemonBackend, error) {
	client := daemon.NewClient(cfg.SocketPath())
	if err := client.EnsureRunning(ctx, spawnDaemon, cfg.Daemon.SpawnTimeout); err != nil {
		return nil, err
	}
	st, err := client.Status(ctx)
	if err != nil {
		return nil, err
	}
	if daemonOutdated(st) {
		logger.Warn("daemon was built from a different commit; restart it with 'kosctl daemon stop'",
			"daemon", version.ShortCommit(st.Commit), "kosctl", version.ShortCommit(version.Current()), "pid", st.PID)
	}
	b := newDaemonBackend(client, cfg.Connection.HealthTimeout)
	if err := b.attach(ctx, st.Session, selector()); err != nil {
		return nil, err
	}
	return b, nil
}

func newDaemonBackend(client *daemon.Client, healthTimeout time.Duration) *daemonBackend {
	return &daemonBackend{client: client, monitor: &daemonMonitor{client: client}, healthTimeout: healthTimeout}
}

// daemonOutdated reports whether a running daemon was built from another
// commit than this binary. Unknown commits on either side never mismatch.
func daemonOutdated(st daemon.Status) bool {
	return st.Commit != "" && version.Current() != "" && !version.Matches(st.Commit)
}

// attach switches the daemon from current to sel unless it is already
// there. With no selector the daemon's own default applies on first use.
func (b *daemonBackend) attach(ctx context.Context, current session.State, sel session.Selector) error {
	if sel.IsZero() || sel.Matches(current) {
		return nil
	}
	logger.Debug("switching daemon CPU", "selector", sel.String(), "current", current.CPUID)
	_, err := b.client.Connect(ctx, sel)
	return err
}

func (b *daemonBackend) Execute(ctx context.Context, command string, timeout time.Duration) (protocol.Result, error) {
	res, mon, err := b.client.ExecuteMonitored(ctx, command, timeout)
	b.monitor.set(mon)
	return res, err
}

func (b *daemonBackend) Detach(ctx context.Context, command string) error {
	return b.client.Detach(ctx, command)
}

func (b *daemonBackend) Health(ctx context.Context) error {
	res, err := b.client.Execute(ctx, session.HealthCommand, b.healthTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSessionStale, err)
	}
	if !strings.Contains(res.Output, "1") {
		return fmt.Errorf("%w: unexpected health output %q", protocol.ErrSessionStale, res.Output)
	}
	return nil
}

func (b *daemonBackend) Monitor() consoleMonitor { return b.monitor }
func (b *daemonBackend) Close()                  {}

// daemonMonitor mirrors the daemon's console monitor. Every execute
// response carries the monitor status, so Status needs no extra request.
type daemonMonitor struct {
	client *daemon.Client

	mu   sync.Mutex
	last monitoring.Status
}

func (m *daemonMonitor) set(st monitoring.Status) {
	m.mu.Lock()
	m.last = st
	m.mu.Unlock()
}

func (m *daemonMonitor) Status() monitoring.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Clear empties the daemon's window. A failure only leaves old errors
// counting against the next procedure, so it is logged and ignored.
func (m *daemonMonitor) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.ClearMonitor(ctx); err != nil {
		logger.Warn("clearing daemon console monitor", "error", err)
		return
	}
	m.set(monitoring.Status{})
}

// spawnDaemon starts "kosctl daemon run" in the background with the flags
// this invocation was given.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating kosctl binary: %w", err)
	}
	args := append(forwardedArgs(rootCmd.PersistentFlags()), "daemon", "run")
	logger.Info("starting daemon", "socket", cfg.SocketPath())
	return daemon.Spawn(exe, args, daemonLogPath())
}

func daemonLogPath() string {
	return filepath.Join(cfg.Daemon.StateDir, "daemon.log")
}

// isNotRunning reports whether err means no daemon answered.
func isNotRunning(err error) bool {
	return errors.Is(err, daemon.ErrNotRunning)
}
