// Package terminaltest provides an in-memory Transport and a scripted kOS
// console for tests.
package terminaltest

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/orbitwright/kosctl/internal/terminal"
)

// Fake is an in-memory terminal.Transport. Tests push console output with
// Emit and observe what was sent with Sent.
type Fake struct {
	mu    sync.Mutex
	open  bool
	buf   bytes.Buffer
	sent  []string
	ready chan struct{}

	// OpenErr, when set, is returned by Open.
	OpenErr error

	// OnOpen runs after a successful Open.
	OnOpen func(f *Fake)

	// OnSend runs after each Send with the sent data.
	OnSend func(f *Fake, data string)
}

// New returns a closed Fake.
func New() *Fake {
	return &Fake{ready: make(chan struct{}, 1)}
}

func (f *Fake) Open(_ context.Context) error {
	f.mu.Lock()
	if f.OpenErr != nil {
		f.mu.Unlock()
		return f.OpenErr
	}
	f.open = true
	f.buf.Reset()
	hook := f.OnOpen
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return terminal.ErrClosed
	}
	f.sent = append(f.sent, string(data))
	hook := f.OnSend
	f.mu.Unlock()
	if hook != nil {
		hook(f, string(data))
	}
	return nil
}

func (f *Fake) ReadAvailable() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf.Len() > 0 {
		out := append([]byte(nil), f.buf.Bytes()...)
		f.buf.Reset()
		return out, nil
	}
	if !f.open {
		return nil, terminal.ErrClosed
	}
	return nil, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) Ready() <-chan struct{} {
	return f.ready
}

// Emit makes s readable immediately. Control sequences are stripped the way
// the real transports strip them.
func (f *Fake) Emit(s string) {
	f.mu.Lock()
	f.buf.WriteString(terminal.StripControl(s))
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// EmitAfter makes s readable after d.
func (f *Fake) EmitAfter(d time.Duration, s string) {
	time.AfterFunc(d, func() { f.Emit(s) })
}

// Drop simulates the remote side closing the connection.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

// Sent returns a copy of everything sent so far.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// ResetSent forgets recorded sends.
func (f *Fake) ResetSent() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// DefaultMenu is a two-CPU kOS selection menu as printed on connect.
const DefaultMenu = "Terminal: type = INITIAL_UNSET, size = 80x24\r\n" +
	"__________________________________________________________________________\r\n" +
	"                        Menu GUI   Other\r\n" +
	"                        Pick Open Telnets  Vessel Name (CPU tagname)\r\n" +
	"                        ---- ---- -------  --------------------------------\r\n" +
	"                         [1]   no    0     Kerbal X (KAL9000(flight))\r\n" +
	"                         [2]   yes   1     Kerbal X (CX-4181(lander))\r\n" +
	"--------------------------------------------------------------------------\r\n" +
	"Choose a CPU to attach to by typing a selection number and pressing\r\n" +
	"return/enter. Or enter [Q] to quit terminal server.\r\n" +
	"\r\n" +
	"(After attaching, you can (D)etach and return to this menu by pressing Control-D\r\n" +
	"as the first character on a new command line.)\r\n" +
	"--------------------------------------------------------------------------\r\n" +
	"> "

var framedRE = regexp.MustCompile(`^(.*?)\s*PRINT "([A-Za-z0-9_]+)"\.\s*$`)

// Console scripts a kOS telnet server on top of a Fake: it prints the menu
// on open, attaches on a numeric selection, echoes every line it receives
// and answers sentinel-framed commands with Handler output followed by the
// sentinel line.
type Console struct {
	// Menu is printed on open; defaults to DefaultMenu.
	Menu string

	// Handler returns the output for a statement. ok=false leaves the
	// command hanging (no output, no sentinel).
	Handler func(cmd string) (out string, ok bool)

	// NoEcho suppresses the echo of received lines.
	NoEcho bool

	mu       sync.Mutex
	attached bool
	commands []string
}

// Attach installs the console on f.
func (c *Console) Attach(f *Fake) {
	f.OnOpen = func(f *Fake) {
		c.mu.Lock()
		c.attached = false
		menu := c.Menu
		c.mu.Unlock()
		if menu == "" {
			menu = DefaultMenu
		}
		f.Emit(menu)
	}
	f.OnSend = c.receive
}

// Commands returns the statements the console executed, without framing.
func (c *Console) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *Console) receive(f *Fake, data string) {
	for _, line := range strings.Split(strings.TrimRight(data, "\n"), "\n") {
		c.mu.Lock()
		attached := c.attached
		c.mu.Unlock()

		if !attached {
			if strings.TrimSpace(line) != "" && strings.Trim(line, "0123456789 ") == "" {
				c.mu.Lock()
				c.attached = true
				c.mu.Unlock()
				f.Emit(line + "\r\n\x1b[2J\x1b[1;1HkOS Operating System\r\nKerboScript v1.4.0.0\r\n\r\nProceed.\r\n")
			}
			continue
		}
		if line == "\x04" {
			c.mu.Lock()
			c.attached = false
			c.mu.Unlock()
			continue
		}

		var out strings.Builder
		if !c.NoEcho {
			out.WriteString(line + "\r\n")
		}
		cmd, sentinel := line, ""
		if m := framedRE.FindStringSubmatch(line); m != nil {
			cmd, sentinel = m[1], m[2]
		}
		c.mu.Lock()
		c.commands = append(c.commands, cmd)
		handler := c.Handler
		c.mu.Unlock()

		result, ok := "", true
		if handler != nil {
			result, ok = handler(cmd)
		}
		if !ok {
			f.Emit(out.String())
			continue
		}
		if result != "" {
			out.WriteString(strings.ReplaceAll(strings.TrimRight(result, "\n"), "\n", "\r\n") + "\r\n")
		}
		if sentinel != "" {
			out.WriteString(sentinel + "\r\n")
		}
		f.Emit(out.String())
	}
}
