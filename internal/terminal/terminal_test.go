package terminal

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestTransportsImplementInterface verifies both transports satisfy Transport.
func TestTransportsImplementInterface(t *testing.T) {
	var _ Transport = (*SocketTransport)(nil)
	var _ Transport = (*TmuxTransport)(nil)
	var _ Notifier = (*SocketTransport)(nil)
}

func TestStripControl(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"crlf", "a\r\nb\r\n", "a\nb\n"},
		{"colour", "\x1b[31merror\x1b[0m", "error"},
		{"cursor", "\x1b[2J\x1b[1;1Hmenu", "menu"},
		{"backspace", "PRIMT\b\bNT", "PRINT"},
		{"bell", "done\a", "done"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripControl(tt.in); got != tt.want {
				t.Errorf("StripControl(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterTelnet(t *testing.T) {
	in := []byte{'a', telnetIAC, telnetDO, 24, 'b', telnetIAC, telnetWILL, 1, telnetIAC, telnetIAC, 'c'}
	text, replies, rest := filterTelnet(in)
	if string(text) != "ab\xffc" {
		t.Errorf("text = %q", text)
	}
	wantReplies := []byte{telnetIAC, telnetWONT, 24, telnetIAC, telnetDONT, 1}
	if !bytes.Equal(replies, wantReplies) {
		t.Errorf("replies = %v, want %v", replies, wantReplies)
	}
	if rest != nil {
		t.Errorf("rest = %v, want nil", rest)
	}
}

func TestFilterTelnetSubnegotiation(t *testing.T) {
	in := []byte{'x', telnetIAC, telnetSB, 24, 1, telnetIAC, telnetSE, 'y'}
	text, _, rest := filterTelnet(in)
	if string(text) != "xy" || rest != nil {
		t.Errorf("text = %q rest = %v", text, rest)
	}
}

func TestFilterTelnetIncomplete(t *testing.T) {
	text, _, rest := filterTelnet([]byte{'o', 'k', telnetIAC, telnetDO})
	if string(text) != "ok" {
		t.Errorf("text = %q", text)
	}
	if !bytes.Equal(rest, []byte{telnetIAC, telnetDO}) {
		t.Errorf("rest = %v", rest)
	}
}

func TestHoldIncompleteEscape(t *testing.T) {
	complete, held := holdIncompleteEscape([]byte("abc\x1b[3"))
	if string(complete) != "abc" || string(held) != "\x1b[3" {
		t.Errorf("complete=%q held=%q", complete, held)
	}
	complete, held = holdIncompleteEscape([]byte("abc\x1b[31mdef"))
	if string(complete) != "abc\x1b[31mdef" || held != nil {
		t.Errorf("complete=%q held=%q", complete, held)
	}
	complete, held = holdIncompleteEscape([]byte("tail\x1b"))
	if string(complete) != "tail" || string(held) != "\x1b" {
		t.Errorf("complete=%q held=%q", complete, held)
	}
}

func TestIngestAcrossChunks(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"crlf split", []string{"line one\r", "\nline two\r\n"}, "line one\nline two\n"},
		{"bare cr", []string{"a\r", "b\r\n"}, "a\nb\n"},
		{"backspace erases previous chunk", []string{"PRINT 12", "\b3.\r\n"}, "PRINT 13.\n"},
		{"utf-8 split", []string{"\xce", "\x94v = 12\r\n"}, "Δv = 12\n"},
		{"escape split", []string{"\x1b[3", "2mok\x1b[0m\r\n"}, "ok\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewSocketTransport(SocketConfig{Addr: "unused"})
			for _, c := range tt.chunks {
				tr.ingest(nil, []byte(c))
			}
			got, err := tr.ReadAvailable()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHoldIncomplete(t *testing.T) {
	tests := []struct {
		in, complete, held string
	}{
		{"done\r\n", "done\r\n", ""},
		{"half\r", "half", "\r"},
		{"\xe2\x82", "", "\xe2\x82"},
		{"ok \xe2\x82\xac", "ok \xe2\x82\xac", ""},
		{"x\x1b[1", "x", "\x1b[1"},
	}
	for _, tt := range tests {
		complete, held := holdIncomplete([]byte(tt.in))
		if string(complete) != tt.complete || string(held) != tt.held {
			t.Errorf("holdIncomplete(%q) = %q, %q; want %q, %q", tt.in, complete, held, tt.complete, tt.held)
		}
	}
}

func TestSocketTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Negotiation request split across writes, then coloured text.
		conn.Write([]byte{telnetIAC})
		time.Sleep(10 * time.Millisecond)
		conn.Write([]byte{telnetDO, 31})
		conn.Write([]byte("\x1b[32mProceed.\x1b[0m\r\n"))
		buf := make([]byte, 64)
		var got []byte
		for !bytes.Contains(got, []byte("\n")) {
			n, err := conn.Read(buf)
			if err != nil {
				break
			}
			got = append(got, buf[:n]...)
		}
		received <- string(got)
	}()

	tr := NewSocketTransport(SocketConfig{Addr: ln.Addr().String()})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	var text string
	deadline := time.After(2 * time.Second)
	for !strings.Contains(text, "Proceed.\n") {
		select {
		case <-tr.Ready():
			b, err := tr.ReadAvailable()
			if err != nil {
				t.Fatalf("ReadAvailable: %v", err)
			}
			text += string(b)
		case <-deadline:
			t.Fatalf("timed out, got %q", text)
		}
	}
	if text != "Proceed.\n" {
		t.Errorf("text = %q, want %q", text, "Proceed.\n")
	}

	if err := tr.Send([]byte("PRINT 1.\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		want := string([]byte{telnetIAC, telnetWONT, 31}) + "PRINT 1.\n"
		if got != want {
			t.Errorf("server received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received command")
	}
}

func TestSocketTransportReportsClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tr := NewSocketTransport(SocketConfig{Addr: ln.Addr().String()})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.IsOpen() {
		t.Fatal("transport still open after remote close")
	}
	if _, err := tr.ReadAvailable(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAvailable err = %v, want ErrClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close after remote close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPaneDelta(t *testing.T) {
	tests := []struct {
		name string
		prev []string
		cur  []string
		want string
	}{
		{"first capture", nil, []string{"a", "b"}, "a\nb"},
		{"appended", []string{"a", "b"}, []string{"a", "b", "c"}, "\nc"},
		{"partial line grew", []string{"a", "PRI"}, []string{"a", "PRINT 1.", "1"}, "NT 1.\n1"},
		{"nothing new", []string{"a", "b"}, []string{"a", "b"}, ""},
		{"scrolled", []string{"1", "2", "3", "4"}, []string{"3", "4", "5"}, "\n5"},
		{"cleared", []string{"x", "y", "z"}, []string{"fresh"}, "\nfresh"},
		{"single line grew", []string{"Pro"}, []string{"Proceed."}, "ceed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paneDelta(tt.prev, tt.cur); got != tt.want {
				t.Errorf("paneDelta(%q, %q) = %q, want %q", tt.prev, tt.cur, got, tt.want)
			}
		})
	}
}

// fakeTmux records invocations and serves scripted pane captures.
type fakeTmux struct {
	mu       sync.Mutex
	calls    [][]string
	sessions map[string]bool
	captures []string
}

func (f *fakeTmux) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	switch args[0] {
	case "has-session":
		if f.sessions[args[2]] {
			return "", nil
		}
		return "can't find session", errors.New("exit status 1")
	case "new-session":
		f.sessions[args[3]] = true
	case "capture-pane":
		if len(f.captures) == 0 {
			return "", nil
		}
		out := f.captures[0]
		if len(f.captures) > 1 {
			f.captures = f.captures[1:]
		}
		return out, nil
	}
	return "", nil
}

func TestTmuxTransportCreatesSessionAndReadsDeltas(t *testing.T) {
	fake := &fakeTmux{
		sessions: map[string]bool{},
		captures: []string{
			"menu line\n [1] no 0 Ship (CX-4181())\n\n\n",
			"menu line\n [1] no 0 Ship (CX-4181())\nProceed.\n\n",
		},
	}
	tr := newTmuxTransport(TmuxConfig{Session: "kos", Addr: "127.0.0.1:5410"}, fake)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !fake.sessions["kos"] {
		t.Fatal("expected tmux session to be created")
	}
	created := fake.calls[1]
	if created[len(created)-1] != "telnet 127.0.0.1 5410" {
		t.Errorf("pane command = %q", created[len(created)-1])
	}

	first, err := tr.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "menu line\n [1] no 0 Ship (CX-4181())" {
		t.Errorf("first read = %q", first)
	}
	second, err := tr.ReadAvailable()
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != "\nProceed." {
		t.Errorf("second read = %q", second)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	lastCall := fake.calls[len(fake.calls)-1]
	if lastCall[0] != "kill-session" {
		t.Errorf("expected kill-session on close of created session, got %v", lastCall)
	}
}

func TestTmuxTransportSendMapsKeys(t *testing.T) {
	fake := &fakeTmux{sessions: map[string]bool{"kos": true}}
	tr := newTmuxTransport(TmuxConfig{Session: "kos", Addr: "h:1"}, fake)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fake.calls = nil
	if err := tr.Send([]byte("PRINT 1.\n\x04")); err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"send-keys", "-t", "kos", "-l", "PRINT 1."},
		{"send-keys", "-t", "kos", "Enter"},
		{"send-keys", "-t", "kos", "C-d"},
	}
	if len(fake.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
	for i := range want {
		if strings.Join(fake.calls[i], " ") != strings.Join(want[i], " ") {
			t.Errorf("call %d = %v, want %v", i, fake.calls[i], want[i])
		}
	}

	// Reused sessions are not killed on close.
	fake.calls = nil
	tr.Close()
	for _, c := range fake.calls {
		if c[0] == "kill-session" {
			t.Error("pre-existing session must not be killed")
		}
	}
}
