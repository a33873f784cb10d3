package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Telnet protocol bytes (RFC 854).
const (
	telnetIAC  = 255
	telnetDONT = 254
	telnetDO   = 253
	telnetWONT = 252
	telnetWILL = 251
	telnetSB   = 250
	telnetSE   = 240
)

// SocketConfig configures a SocketTransport.
type SocketConfig struct {
	// Addr is the telnet server host:port.
	Addr string

	// KeepAlive is the TCP keep-alive period. Long time-warps leave the
	// connection idle for minutes, so this must stay enabled; zero means 30s.
	KeepAlive time.Duration

	// DialTimeout bounds connection establishment; zero means 10s.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// SocketTransport is the production Transport: a direct TCP connection to the
// kOS telnet server. A reader goroutine fills an internal buffer and signals
// Ready; ReadAvailable drains it.
type SocketTransport struct {
	cfg    SocketConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	buf     bytes.Buffer
	pending []byte // incomplete sequence carried to the next chunk
	readErr error
	open    bool
	ready   chan struct{}
}

// NewSocketTransport creates an unopened socket transport.
func NewSocketTransport(cfg SocketConfig) *SocketTransport {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SocketTransport{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}, 1),
	}
}

// Open dials the telnet server and starts the reader goroutine.
func (t *SocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout, KeepAlive: t.cfg.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.cfg.Addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(t.cfg.KeepAlive)
		_ = tcp.SetNoDelay(true)
	}

	t.mu.Lock()
	t.conn = conn
	t.buf.Reset()
	t.pending = nil
	t.readErr = nil
	t.open = true
	t.mu.Unlock()

	t.logger.Debug("socket transport opened", "addr", t.cfg.Addr)
	go t.readLoop(conn)
	return nil
}

func (t *SocketTransport) readLoop(conn net.Conn) {
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			t.ingest(conn, chunk[:n])
		}
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.open = false
				if !errors.Is(err, net.ErrClosed) {
					t.readErr = err
				}
			}
			t.mu.Unlock()
			t.signal()
			t.logger.Debug("socket transport reader stopped", "error", err)
			return
		}
	}
}

func (t *SocketTransport) ingest(conn net.Conn, chunk []byte) {
	t.mu.Lock()
	data := append(t.pending, chunk...)
	text, replies, rest := filterTelnet(data)
	clean, held := holdIncomplete(text)
	t.pending = append(append([]byte(nil), held...), rest...)
	out := string(clean)
	if strings.ContainsRune(out, '\b') && t.buf.Len() > 0 {
		// Let backspaces erase text from earlier chunks not read yet.
		out = t.buf.String() + out
		t.buf.Reset()
	}
	t.buf.WriteString(StripControl(out))
	t.mu.Unlock()

	if len(replies) > 0 {
		if _, err := conn.Write(replies); err != nil {
			t.logger.Debug("telnet negotiation reply failed", "error", err)
		}
	}
	t.signal()
}

func (t *SocketTransport) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// Send writes bytes to the connection.
func (t *SocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, open := t.conn, t.open
	t.mu.Unlock()
	if !open || conn == nil {
		return ErrClosed
	}
	if _, err := conn.Write(data); err != nil {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

// ReadAvailable drains whatever the reader goroutine has buffered. Once the
// connection is gone and the buffer is empty it returns ErrClosed.
func (t *SocketTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() > 0 {
		out := append([]byte(nil), t.buf.Bytes()...)
		t.buf.Reset()
		return out, nil
	}
	if !t.open {
		if t.readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, t.readErr)
		}
		return nil, ErrClosed
	}
	return nil, nil
}

// Ready implements Notifier.
func (t *SocketTransport) Ready() <-chan struct{} {
	return t.ready
}

// Close closes the connection; safe to call repeatedly.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.open = false
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsOpen reports whether the connection is still up.
func (t *SocketTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// filterTelnet removes telnet command sequences from data. Option requests
// are refused (DO→WONT, WILL→DONT) so the server falls back to a plain
// stream. An incomplete trailing sequence is returned in rest.
func filterTelnet(data []byte) (text, replies, rest []byte) {
	text = make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != telnetIAC {
			text = append(text, b)
			continue
		}
		if i+1 >= len(data) {
			return text, replies, data[i:]
		}
		cmd := data[i+1]
		switch {
		case cmd == telnetIAC:
			text = append(text, telnetIAC)
			i++
		case cmd >= telnetWILL && cmd <= telnetDONT:
			if i+2 >= len(data) {
				return text, replies, data[i:]
			}
			opt := data[i+2]
			switch cmd {
			case telnetDO:
				replies = append(replies, telnetIAC, telnetWONT, opt)
			case telnetWILL:
				replies = append(replies, telnetIAC, telnetDONT, opt)
			}
			i += 2
		case cmd == telnetSB:
			end := bytes.Index(data[i:], []byte{telnetIAC, telnetSE})
			if end < 0 {
				return text, replies, data[i:]
			}
			i += end + 1
		default:
			i++
		}
	}
	return text, replies, nil
}

// holdIncomplete splits off a tail the next chunk may complete: an
// unterminated escape sequence, a '\r' that may start "\r\n", or a
// truncated UTF-8 rune.
func holdIncomplete(b []byte) (complete, held []byte) {
	if c, h := holdIncompleteEscape(b); h != nil {
		return c, h
	}
	n := len(b)
	if n > 0 && b[n-1] == '\r' {
		return b[:n-1], b[n-1:]
	}
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

// holdIncompleteEscape splits off a trailing escape sequence that has not
// received its final byte yet, so StripControl never sees half a sequence.
func holdIncompleteEscape(b []byte) (complete, held []byte) {
	idx := bytes.LastIndexByte(b, 0x1b)
	if idx < 0 || len(b)-idx > 64 {
		return b, nil
	}
	seq := b[idx+1:]
	if len(seq) == 0 {
		return b[:idx], b[idx:]
	}
	if seq[0] != '[' {
		return b, nil
	}
	for _, c := range seq[1:] {
		if c >= 0x40 && c <= 0x7e {
			return b, nil
		}
	}
	return b[:idx], b[idx:]
}
