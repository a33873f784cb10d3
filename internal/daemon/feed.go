package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitwright/kosctl/internal/events"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The feed binds to loopback only.
	},
}

// Feed streams bus events to websocket clients as JSON text messages.
type Feed struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewFeed creates a Feed over bus.
func NewFeed(bus *events.Bus, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Feed{bus: bus, logger: logger}
}

// Handler serves /ws.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if f.bus == nil {
		http.Error(w, "no event bus", http.StatusServiceUnavailable)
		return
	}
	// Subscribe before upgrading so nothing published after the handshake
	// completes is missed.
	ch, cancel := f.bus.Subscribe()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	f.logger.Debug("feed client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go f.readPump(conn, done)
	f.writePump(conn, ch, done)
	cancel()
	f.logger.Debug("feed client gone", "remote", r.RemoteAddr)
}

// readPump discards client messages and notices when the client goes away.
func (f *Feed) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("feed read error", "error", err)
			}
			return
		}
	}
}

func (f *Feed) writePump(conn *websocket.Conn, ch <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case e, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"))
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Watch connects to a feed at addr (host:port) and calls fn for each event
// until the connection closes, fn returns false or ctx is done.
func Watch(ctx context.Context, addr string, fn func(events.Event) bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if !fn(e) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
