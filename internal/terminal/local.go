package terminal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultHistoryLines is how far back each capture reaches into the pane's
// scrollback. It only has to cover the output produced between two polls.
const defaultHistoryLines = 2000

// tmuxRunner is the subset of tmux invocation used by TmuxTransport.
type tmuxRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// execRunner shells out to the tmux binary.
type execRunner struct {
	timeout time.Duration
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("tmux %s timed out after %s", strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		return out.String(), fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// TmuxConfig configures a TmuxTransport.
type TmuxConfig struct {
	// Session is the tmux session name. An existing session is reused.
	Session string

	// Addr is the telnet server host:port used when a new session is created.
	Addr string

	// TelnetCommand is the client started in the pane; default "telnet".
	TelnetCommand string

	// Width and Height size a newly created pane. Wide panes keep kOS from
	// wrapping long command echoes.
	Width, Height int

	HistoryLines int
	Logger       *slog.Logger
}

// TmuxTransport is the debug Transport: a telnet client running in a tmux
// pane. Reads poll capture-pane and return only what changed since the
// previous capture, so a human attached to the pane sees exactly what the
// automation sends and receives.
type TmuxTransport struct {
	cfg    TmuxConfig
	run    tmuxRunner
	logger *slog.Logger

	mu      sync.Mutex
	open    bool
	created bool
	prev    []string
}

// NewTmuxTransport creates a transport backed by the local tmux binary.
func NewTmuxTransport(cfg TmuxConfig) *TmuxTransport {
	return newTmuxTransport(cfg, execRunner{timeout: 5 * time.Second})
}

func newTmuxTransport(cfg TmuxConfig, run tmuxRunner) *TmuxTransport {
	if cfg.TelnetCommand == "" {
		cfg.TelnetCommand = "telnet"
	}
	if cfg.Width == 0 {
		cfg.Width = 220
	}
	if cfg.Height == 0 {
		cfg.Height = 50
	}
	if cfg.HistoryLines == 0 {
		cfg.HistoryLines = defaultHistoryLines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TmuxTransport{cfg: cfg, run: run, logger: logger}
}

// Open attaches to the configured tmux session, creating it with a telnet
// client when it does not exist yet.
func (t *TmuxTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}

	if _, err := t.run.Run(ctx, "has-session", "-t", t.cfg.Session); err != nil {
		host, port, ok := strings.Cut(t.cfg.Addr, ":")
		if !ok {
			return fmt.Errorf("tmux transport: invalid address %q", t.cfg.Addr)
		}
		client := t.cfg.TelnetCommand + " " + host + " " + port
		if _, err := t.run.Run(ctx, "new-session", "-d", "-s", t.cfg.Session,
			"-x", strconv.Itoa(t.cfg.Width), "-y", strconv.Itoa(t.cfg.Height), client); err != nil {
			return fmt.Errorf("creating tmux session %s: %w", t.cfg.Session, err)
		}
		t.created = true
		t.logger.Info("tmux session created", "session", t.cfg.Session, "client", client)
	}

	t.prev = nil
	t.open = true
	return nil
}

// Send types data into the pane. Newlines become Enter key presses and
// control bytes are mapped to tmux key names.
func (t *TmuxTransport) Send(data []byte) error {
	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		return ErrClosed
	}

	ctx := context.Background()
	var literal strings.Builder
	flush := func() error {
		if literal.Len() == 0 {
			return nil
		}
		text := literal.String()
		literal.Reset()
		_, err := t.run.Run(ctx, "send-keys", "-t", t.cfg.Session, "-l", text)
		return err
	}
	for _, r := range string(data) {
		key := ""
		switch {
		case r == '\n':
			key = "Enter"
		case r == '\r':
			continue
		case r == 0x1b:
			key = "Escape"
		case r > 0 && r < 0x1b:
			key = "C-" + string(rune('a'+r-1))
		case r < 0x20:
			continue
		default:
			literal.WriteRune(r)
			continue
		}
		if err := flush(); err != nil {
			return t.sendFailed(err)
		}
		if _, err := t.run.Run(ctx, "send-keys", "-t", t.cfg.Session, key); err != nil {
			return t.sendFailed(err)
		}
	}
	if err := flush(); err != nil {
		return t.sendFailed(err)
	}
	return nil
}

func (t *TmuxTransport) sendFailed(err error) error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

// ReadAvailable captures the pane and returns the text added since the
// previous capture.
func (t *TmuxTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil, ErrClosed
	}

	out, err := t.run.Run(context.Background(), "capture-pane", "-p", "-J",
		"-t", t.cfg.Session, "-S", "-"+strconv.Itoa(t.cfg.HistoryLines))
	if err != nil {
		t.open = false
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	cur := paneLines(StripControl(out))
	delta := paneDelta(t.prev, cur)
	t.prev = cur
	return []byte(delta), nil
}

// Close kills the tmux session when this transport created it. Sessions that
// already existed are left running for the human who owns them.
func (t *TmuxTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open && !t.created {
		return nil
	}
	t.open = false
	if t.created {
		t.created = false
		if _, err := t.run.Run(context.Background(), "kill-session", "-t", t.cfg.Session); err != nil {
			t.logger.Debug("tmux kill-session failed", "session", t.cfg.Session, "error", err)
		}
	}
	return nil
}

// IsOpen reports whether the pane is believed reachable.
func (t *TmuxTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// paneLines splits a capture into lines and drops the blank rows tmux pads
// the bottom of the pane with.
func paneLines(capture string) []string {
	lines := strings.Split(capture, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// paneAnchorLines is how many complete lines of the previous capture must be
// found again to locate where new output starts.
const paneAnchorLines = 6

// paneDelta returns the text in cur that was not present in prev. The last
// line of prev may have grown since (a partial line), so it is excluded from
// the anchor and only its new suffix is emitted. Concatenating successive
// deltas reproduces the pane contents joined with '\n'.
func paneDelta(prev, cur []string) string {
	if len(prev) == 0 {
		return strings.Join(cur, "\n")
	}
	last := prev[len(prev)-1]
	anchor := prev[:len(prev)-1]
	if len(anchor) > paneAnchorLines {
		anchor = anchor[len(anchor)-paneAnchorLines:]
	}

	start := -1
	if len(anchor) == 0 {
		start = 0
	} else if pos := len(prev) - 1; pos <= len(cur) && linesEqual(cur[pos-len(anchor):pos], anchor) {
		start = pos
	} else {
		// Older anchor lines may have scrolled out of the captured history,
		// so fall back to progressively shorter tails of the anchor.
		for k := len(anchor); k >= 1 && start < 0; k-- {
			tail := anchor[len(anchor)-k:]
			for j := len(cur); j >= k; j-- {
				if linesEqual(cur[j-k:j], tail) {
					start = j
					break
				}
			}
		}
	}

	if start < 0 {
		// Anchor lost (screen cleared or scrolled past history): emit everything.
		return "\n" + strings.Join(cur, "\n")
	}

	rest := cur[start:]
	if len(rest) == 0 {
		return ""
	}
	var b strings.Builder
	if strings.HasPrefix(rest[0], last) {
		b.WriteString(rest[0][len(last):])
	} else {
		b.WriteString("\n")
		b.WriteString(rest[0])
	}
	for _, line := range rest[1:] {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
