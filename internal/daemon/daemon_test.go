package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/lock"
	"github.com/orbitwright/kosctl/internal/monitoring"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/session"
	"github.com/orbitwright/kosctl/internal/terminal/terminaltest"
	"github.com/orbitwright/kosctl/internal/version"
)

func consoleHandler(cmd string) (string, bool) {
	switch cmd {
	case session.HealthCommand:
		return "1", true
	case "PRINT 42.":
		return "42", true
	case "HANG.":
		return "", false
	}
	return "ok", true
}

type testDaemon struct {
	server *Server
	client *Client
	dir    string
	done   chan error
	cancel context.CancelFunc
}

func newServer(dir string, bus *events.Bus) *Server {
	f := terminaltest.New()
	(&terminaltest.Console{Handler: consoleHandler}).Attach(f)
	return newServerOn(dir, bus, f)
}

func newServerOn(dir string, bus *events.Bus, f *terminaltest.Fake) *Server {
	mgr := session.NewManager(session.Config{
		Transport:         f,
		ConnectTimeout:    500 * time.Millisecond,
		HealthTimeout:     100 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		ReconnectBackoff:  10 * time.Millisecond,
		ReconnectAttempts: 2,
		Monitor:           monitoring.New(),
		Events:            bus,
	})
	return NewServer(Config{
		Socket:   filepath.Join(dir, "k.sock"),
		StateDir: dir,
		Manager:  mgr,
		Events:   bus,
	})
}

// startDaemon runs a server on a fresh state directory and waits until it
// answers pings.
func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	return runServer(t, newServer(t.TempDir(), events.New()))
}

func runServer(t *testing.T, srv *Server) *testDaemon {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := &testDaemon{server: srv, client: NewClient(srv.cfg.Socket), dir: srv.cfg.StateDir, done: make(chan error, 1), cancel: cancel}
	go func() { d.done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-d.done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for d.client.Ping(context.Background()) != nil {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return d
}

// flakyConsole goes silent on demand, like a kOS console after a scene
// reload: the socket stays open but nothing answers until it is reopened.
type flakyConsole struct {
	fake   *terminaltest.Fake
	silent atomic.Bool
	opens  atomic.Int32
}

func newFlakyConsole() *flakyConsole {
	c := &flakyConsole{fake: terminaltest.New()}
	(&terminaltest.Console{Handler: func(cmd string) (string, bool) {
		if c.silent.Load() {
			return "", false
		}
		return consoleHandler(cmd)
	}}).Attach(c.fake)
	printMenu := c.fake.OnOpen
	c.fake.OnOpen = func(f *terminaltest.Fake) {
		c.opens.Add(1)
		c.silent.Store(false)
		printMenu(f)
	}
	return c
}

func TestPingAndStatus(t *testing.T) {
	d := startDaemon(t)

	st, err := d.client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.PID != os.Getpid() || st.Socket != d.client.Socket() || st.Session.Connected {
		t.Errorf("status = %+v", st)
	}
	if st.Version != version.Version || st.Commit != version.Current() {
		t.Errorf("build = %s %s, want %s %s", st.Version, st.Commit, version.Version, version.Current())
	}
	if st.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

func TestConnectAndExecute(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	st, err := d.client.Connect(ctx, session.Selector{Label: "lander"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !st.Connected || st.CPUID != 2 {
		t.Errorf("state = %+v", st)
	}

	res, err := d.client.Execute(ctx, "PRINT 42.", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "42" {
		t.Errorf("result = %+v", res)
	}

	status, err := d.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Session.Connected || status.Session.CPULabel != "lander" {
		t.Errorf("session = %+v", status.Session)
	}
	if status.Monitor.Lines == 0 {
		t.Error("monitor saw no lines")
	}
}

func TestExecuteConnectsWithDefaultSelector(t *testing.T) {
	d := startDaemon(t)

	res, err := d.client.Execute(context.Background(), "PRINT 42.", time.Second)
	if err != nil || res.Output != "42" {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	st, _ := d.client.Status(context.Background())
	if st.Session.CPUID != 1 {
		t.Errorf("CPUID = %d, want first menu row", st.Session.CPUID)
	}
}

func TestErrorsCrossTheSocket(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()

	if _, err := d.client.Connect(ctx, session.Selector{ID: 9}); !errors.Is(err, session.ErrNoSuchCPU) {
		t.Errorf("Connect(9) = %v, want ErrNoSuchCPU", err)
	}

	res, err := d.client.Execute(ctx, "HANG.", 50*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Execute = %v, want ErrTimeout", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != CodeTimeout {
		t.Errorf("err = %#v", err)
	}
	if res.Success {
		t.Error("timed out result reports success")
	}

	// The session survives a timeout.
	if res, err := d.client.Execute(ctx, "PRINT 42.", time.Second); err != nil || res.Output != "42" {
		t.Errorf("Execute after timeout = %+v, %v", res, err)
	}
}

func TestSilentConsoleIsReattached(t *testing.T) {
	console := newFlakyConsole()
	d := runServer(t, newServerOn(t.TempDir(), events.New(), console.fake))
	ctx := context.Background()

	if _, err := d.client.Connect(ctx, session.Selector{Label: "lander"}); err != nil {
		t.Fatal(err)
	}
	console.silent.Store(true)

	if _, err := d.client.Execute(ctx, "PRINT 42.", 200*time.Millisecond); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Execute on silent console = %v, want ErrTimeout", err)
	}
	for i := 0; i < 3; i++ {
		res, err := d.client.Execute(ctx, "PRINT 42.", 200*time.Millisecond)
		if err != nil || res.Output != "42" {
			t.Fatalf("Execute %d after recovery = %+v, %v", i, res, err)
		}
	}
	if n := console.opens.Load(); n != 2 {
		t.Errorf("transport opened %d times, want 2", n)
	}
	st, _ := d.client.Status(ctx)
	if !st.Session.Connected || st.Session.CPULabel != "lander" {
		t.Errorf("session = %+v, want reattached to lander", st.Session)
	}
}

func TestIdleSessionIsHealthChecked(t *testing.T) {
	console := newFlakyConsole()
	srv := newServerOn(t.TempDir(), events.New(), console.fake)
	srv.cfg.IdleCheck = 50 * time.Millisecond
	d := runServer(t, srv)
	ctx := context.Background()

	if _, err := d.client.Connect(ctx, session.Selector{}); err != nil {
		t.Fatal(err)
	}
	console.silent.Store(true)
	time.Sleep(100 * time.Millisecond)

	res, err := d.client.Execute(ctx, "PRINT 42.", time.Second)
	if err != nil || res.Output != "42" {
		t.Fatalf("Execute after idle = %+v, %v", res, err)
	}
	if n := console.opens.Load(); n != 2 {
		t.Errorf("transport opened %d times, want 2", n)
	}
}

func TestExecuteReportsMonitorStatus(t *testing.T) {
	f := terminaltest.New()
	(&terminaltest.Console{Handler: func(cmd string) (string, bool) {
		if cmd == "RUN broken." {
			return "Error: Undefined Variable Name 'thrott'", true
		}
		return consoleHandler(cmd)
	}}).Attach(f)
	d := runServer(t, newServerOn(t.TempDir(), events.New(), f))
	ctx := context.Background()

	var mon monitoring.Status
	for i := 0; i < monitoring.DefaultLoopThreshold; i++ {
		var err error
		if _, mon, err = d.client.ExecuteMonitored(ctx, "RUN broken.", time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if !mon.IsLooping || mon.ErrorPattern == "" {
		t.Fatalf("monitor = %+v, want looping", mon)
	}

	if err := d.client.ClearMonitor(ctx); err != nil {
		t.Fatalf("ClearMonitor: %v", err)
	}
	st, err := d.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Monitor.HasErrors || st.Monitor.IsLooping {
		t.Errorf("monitor after clear = %+v", st.Monitor)
	}
	if _, mon, _ = d.client.ExecuteMonitored(ctx, "PRINT 42.", time.Second); mon.HasErrors {
		t.Errorf("monitor after clean command = %+v", mon)
	}
}

func TestDisconnect(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()
	if _, err := d.client.Connect(ctx, session.Selector{}); err != nil {
		t.Fatal(err)
	}
	if err := d.client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	st, _ := d.client.Status(ctx)
	if st.Session.Connected {
		t.Error("still connected")
	}
}

func TestInvalidRequests(t *testing.T) {
	d := startDaemon(t)

	conn, err := net.Dial("unix", d.client.Socket())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	for _, line := range []string{"not json", `{"id":"x"}`, `{"id":"y","type":"launch"}`} {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatal(err)
		}
		raw, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("%s: %v", line, err)
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.OK || resp.Code != CodeInvalid {
			t.Errorf("%s: response = %+v", line, resp)
		}
	}
}

func TestShutdown(t *testing.T) {
	d := startDaemon(t)

	if err := d.client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-d.done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
		d.done <- nil // for cleanup
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	if _, err := os.Stat(d.client.Socket()); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	if err := d.client.Ping(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Ping after shutdown = %v, want ErrNotRunning", err)
	}
}

func TestSecondDaemonIsLocked(t *testing.T) {
	d := startDaemon(t)

	err := newServer(d.dir, nil).Run(context.Background())
	if !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("second Run = %v, want ErrLocked", err)
	}
	if err := d.client.Ping(context.Background()); err != nil {
		t.Errorf("first daemon disturbed: %v", err)
	}
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	dir := t.TempDir()
	srv := newServer(dir, nil)
	client := NewClient(srv.cfg.Socket)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	defer func() {
		cancel()
		<-done
	}()

	var spawns atomic.Int32
	spawn := func() error {
		spawns.Add(1)
		go func() { done <- srv.Run(ctx) }()
		return nil
	}

	if err := client.EnsureRunning(context.Background(), spawn, 2*time.Second); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.EnsureRunning(context.Background(), spawn, 2*time.Second); err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if n := spawns.Load(); n != 1 {
		t.Errorf("spawned %d times, want 1", n)
	}
}

func TestEnsureRunningGivesUp(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "none.sock"))
	err := client.EnsureRunning(context.Background(), func() error { return nil }, 100*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "did not come up") {
		t.Errorf("EnsureRunning = %v", err)
	}

	spawnErr := errors.New("no binary")
	err = client.EnsureRunning(context.Background(), func() error { return spawnErr }, time.Second)
	if !errors.Is(err, spawnErr) {
		t.Errorf("EnsureRunning = %v, want spawn error", err)
	}
}

func TestFeedStreamsEvents(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	srv := httptest.NewServer(NewFeed(bus, nil).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	bus.Phase("maneuver", "aligning", "attempt 1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != events.EventPhase || e.Source != "maneuver" || e.Phase != "aligning" {
		t.Errorf("event = %+v", e)
	}
}

func TestWatch(t *testing.T) {
	bus := events.New()
	defer bus.Close()
	srv := httptest.NewServer(NewFeed(bus, nil).Handler())
	defer srv.Close()

	got := make(chan events.Event, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(context.Background(), strings.TrimPrefix(srv.URL, "http://"), func(e events.Event) bool {
			got <- e
			return false
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Progress("crash", "surface", map[string]float64{"low": -100})

	select {
	case e := <-got:
		if e.Source != "crash" || e.Fields["low"] != -100 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	if err := <-errc; err != nil {
		t.Errorf("Watch = %v", err)
	}
}

func TestRemoteErrorUnwrap(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{session.ErrNotConnected, CodeNotConnected},
		{protocol.ErrTransport, CodeTransport},
		{protocol.ErrSessionStale, CodeStale},
		{errors.New("boom"), CodeFailed},
	}
	for _, tt := range tests {
		resp := errorResponse("id", tt.err)
		if resp.Code != tt.code {
			t.Errorf("code for %v = %s, want %s", tt.err, resp.Code, tt.code)
		}
		re := &RemoteError{Code: resp.Code, Message: resp.Error}
		if tt.code != CodeFailed && !errors.Is(re, tt.err) {
			t.Errorf("RemoteError(%s) does not unwrap to %v", tt.code, tt.err)
		}
	}
}
