// Package session manages the single live attachment to a kOS CPU: opening
// the transport, choosing a CPU from the selection menu, health checks and
// reconnection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/terminal"
)

var (
	// ErrNotConnected is returned when a command is issued before Connect.
	ErrNotConnected = errors.New("not connected")

	// ErrMenuTimeout means the CPU menu did not arrive within the connect
	// timeout.
	ErrMenuTimeout = errors.New("timed out waiting for CPU menu")

	// ErrAttachTimeout means the console never acknowledged the selection.
	ErrAttachTimeout = errors.New("timed out waiting for CPU attach")
)

// HealthCommand is the command run by HealthCheck.
const HealthCommand = "PRINT 1."

// maxBackoff caps the delay between reconnect attempts.
const maxBackoff = 30 * time.Second

// Config configures a Manager.
type Config struct {
	Transport terminal.Transport

	ConnectTimeout time.Duration // menu + attach; zero means 10s
	CommandTimeout time.Duration // default for Execute; zero means 30s
	HealthTimeout  time.Duration // zero means 3s
	PollInterval   time.Duration // zero means 50ms

	ReconnectAttempts int           // zero means 3
	ReconnectBackoff  time.Duration // first retry delay, doubled each time; zero means 500ms

	// Monitor observes every console line.
	Monitor *monitoring.Monitor

	// Events receives session and command events.
	Events *events.Bus

	Logger *slog.Logger
}

// State is a snapshot of the session.
type State struct {
	Connected    bool      `json:"connected"`
	CPUID        int       `json:"cpu_id,omitempty"`
	CPULabel     string    `json:"cpu_label,omitempty"`
	Vessel       string    `json:"vessel,omitempty"`
	Part         string    `json:"part,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Manager owns one Session. Commands are serialised by the protocol engine;
// connection changes are serialised by connMu.
type Manager struct {
	cfg    Config
	tr     terminal.Transport
	engine *protocol.Engine
	logger *slog.Logger

	connMu sync.Mutex

	mu       sync.Mutex
	state    State
	selector Selector
	selected bool // a Connect has succeeded at least once
}

// NewManager creates a Manager over cfg.Transport.
func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	engineCfg := protocol.Config{PollInterval: cfg.PollInterval, Logger: logger}
	if cfg.Monitor != nil {
		engineCfg.Observer = cfg.Monitor
	}
	return &Manager{
		cfg:    cfg,
		tr:     cfg.Transport,
		engine: protocol.NewEngine(cfg.Transport, engineCfg),
		logger: logger,
	}
}

// Connect opens the transport, selects a CPU from the menu and waits for the
// console to attach. An existing connection is dropped first.
func (m *Manager) Connect(ctx context.Context, sel Selector) (State, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connect(ctx, sel)
}

func (m *Manager) connect(ctx context.Context, sel Selector) (State, error) {
	m.closeTransport()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.tr.Open(ctx); err != nil {
		return m.State(), fmt.Errorf("%w: opening transport: %v", protocol.ErrTransport, err)
	}

	menu, err := m.readUntil(ctx, IsMenuComplete)
	if err != nil {
		m.closeTransport()
		if errors.Is(err, context.DeadlineExceeded) {
			return m.State(), fmt.Errorf("%w after %s", ErrMenuTimeout, m.cfg.ConnectTimeout)
		}
		return m.State(), err
	}
	m.trackLines(menu)

	entry, err := Select(ParseMenu(menu), sel)
	if err != nil {
		m.closeTransport()
		return m.State(), err
	}

	if err := m.tr.Send([]byte(strconv.Itoa(entry.ID) + "\n")); err != nil {
		m.closeTransport()
		return m.State(), fmt.Errorf("%w: selecting CPU: %v", protocol.ErrTransport, err)
	}
	ack, err := m.readUntil(ctx, IsAttached)
	if err != nil {
		m.closeTransport()
		if errors.Is(err, context.DeadlineExceeded) {
			return m.State(), fmt.Errorf("%w: %s", ErrAttachTimeout, entry)
		}
		return m.State(), err
	}
	m.trackLines(ack)

	m.engine.Reset()
	now := time.Now()
	m.mu.Lock()
	m.state = State{
		Connected:    true,
		CPUID:        entry.ID,
		CPULabel:     entry.Label,
		Vessel:       entry.Vessel,
		Part:         entry.Part,
		ConnectedAt:  now,
		LastActivity: now,
	}
	m.selector = sel
	m.selected = true
	st := m.state
	m.mu.Unlock()

	m.logger.Info("attached to CPU", "cpu", entry.ID, "label", entry.Label, "vessel", entry.Vessel)
	m.cfg.Events.Publish(events.Event{
		Type:    events.EventSession,
		Source:  "session",
		Phase:   "connected",
		Message: entry.String(),
	})
	return st, nil
}

// ReadMenu opens the transport, reads the CPU menu and closes it again
// without attaching. Any existing connection is dropped.
func (m *Manager) ReadMenu(ctx context.Context) ([]MenuEntry, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.closeTransport()
	defer m.closeTransport()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.tr.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w: opening transport: %v", protocol.ErrTransport, err)
	}
	menu, err := m.readUntil(ctx, IsMenuComplete)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrMenuTimeout, m.cfg.ConnectTimeout)
		}
		return nil, err
	}
	m.trackLines(menu)
	return ParseMenu(menu), nil
}

// readUntil accumulates transport output until done reports true.
func (m *Manager) readUntil(ctx context.Context, done func(string) bool) (string, error) {
	var ready <-chan struct{}
	if n, ok := m.tr.(terminal.Notifier); ok {
		ready = n.Ready()
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var buf strings.Builder
	for {
		data, err := m.tr.ReadAvailable()
		buf.Write(data)
		if done(buf.String()) {
			return buf.String(), nil
		}
		if err != nil {
			return buf.String(), fmt.Errorf("%w: %v", protocol.ErrTransport, err)
		}
		select {
		case <-ready:
		case <-ticker.C:
		case <-ctx.Done():
			return buf.String(), ctx.Err()
		}
	}
}

func (m *Manager) trackLines(text string) {
	if m.cfg.Monitor == nil {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			m.cfg.Monitor.TrackLine(line)
		}
	}
}

// Disconnect detaches from the CPU (best effort) and closes the transport.
// It is safe on an already closed session.
func (m *Manager) Disconnect() {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	wasConnected := m.state.Connected
	m.mu.Unlock()

	if wasConnected && m.tr.IsOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := m.engine.Detach(ctx, "\x04"); err != nil {
			m.logger.Debug("detach before close failed", "error", err)
		}
		cancel()
	}
	m.closeTransport()
	if wasConnected {
		m.logger.Info("disconnected")
		m.cfg.Events.Publish(events.Event{Type: events.EventSession, Source: "session", Phase: "disconnected"})
	}
}

func (m *Manager) closeTransport() {
	if err := m.tr.Close(); err != nil {
		m.logger.Debug("closing transport", "error", err)
	}
	m.markDisconnected()
}

func (m *Manager) markDisconnected() {
	m.mu.Lock()
	m.state.Connected = false
	m.mu.Unlock()
}

// IsConnected reports whether the session is believed attached. The remote
// side can reset without closing the socket; use HealthCheck before trusting
// it.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected && m.tr.IsOpen()
}

// State returns a snapshot of the session.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Connected = st.Connected && m.tr.IsOpen()
	return st
}

// Monitor returns the output monitor, which may be nil.
func (m *Manager) Monitor() *monitoring.Monitor {
	return m.cfg.Monitor
}

// Execute runs command on the attached CPU. A zero timeout uses the
// configured command timeout. Transport failures mark the session
// disconnected.
func (m *Manager) Execute(ctx context.Context, command string, timeout time.Duration) (protocol.Result, error) {
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	if !m.IsConnected() {
		return protocol.Failed(ErrNotConnected, ""), ErrNotConnected
	}

	start := time.Now()
	res, err := m.engine.Execute(ctx, command, timeout)
	elapsed := time.Since(start)

	m.mu.Lock()
	m.state.LastActivity = time.Now()
	m.mu.Unlock()

	if protocol.IsFatal(err) {
		m.logger.Warn("session lost", "command", command, "error", err)
		m.markDisconnected()
	}

	success := 0.0
	if res.Success {
		success = 1
	}
	m.cfg.Events.Publish(events.Event{
		Type:    events.EventCommand,
		Source:  "session",
		Message: command,
		Fields:  map[string]float64{"elapsed_ms": float64(elapsed.Milliseconds()), "success": success},
	})
	return res, err
}

// Detach sends a command that is expected to tear the session down and does
// not wait for it. The session is marked disconnected so the next
// EnsureConnected reattaches.
func (m *Manager) Detach(ctx context.Context, command string) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	err := m.engine.Detach(ctx, command)
	m.markDisconnected()
	return err
}

// HealthCheck runs HealthCommand with the short health timeout and requires
// its output to contain "1".
func (m *Manager) HealthCheck(ctx context.Context) error {
	res, err := m.Execute(ctx, HealthCommand, m.cfg.HealthTimeout)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		m.markDisconnected()
		return fmt.Errorf("%w: %v", protocol.ErrSessionStale, err)
	}
	if !strings.Contains(res.Output, "1") {
		m.markDisconnected()
		return fmt.Errorf("%w: unexpected health output %q", protocol.ErrSessionStale, res.Output)
	}
	return nil
}

// EnsureConnected returns once the session is attached and healthy. A lost
// or stale session is reconnected with the last selector, retrying with
// exponential backoff. ErrNoSuchCPU is not retried.
func (m *Manager) EnsureConnected(ctx context.Context) (State, error) {
	if m.IsConnected() {
		err := m.HealthCheck(ctx)
		if err == nil {
			return m.State(), nil
		}
		m.logger.Warn("health check failed, reconnecting", "error", err)
	}

	m.mu.Lock()
	sel, selected := m.selector, m.selected
	m.mu.Unlock()
	if !selected {
		return m.State(), ErrNotConnected
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(m.cfg.ReconnectBackoff, attempt-1)
			m.logger.Info("reconnect backoff", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return m.State(), ctx.Err()
			}
		}
		st, err := m.connect(ctx, sel)
		if err == nil {
			m.cfg.Events.Publish(events.Event{
				Type:   events.EventSession,
				Source: "session",
				Phase:  "reconnected",
				Fields: map[string]float64{"attempt": float64(attempt)},
			})
			return st, nil
		}
		if errors.Is(err, ErrNoSuchCPU) {
			return st, err
		}
		lastErr = err
		m.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
	return m.State(), fmt.Errorf("reconnecting to %s after %d attempts: %w", sel, m.cfg.ReconnectAttempts, lastErr)
}

// Backoff returns the delay before retry n (1-based): base doubled n-1 times,
// capped at 30s.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base << min(n-1, 16)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
