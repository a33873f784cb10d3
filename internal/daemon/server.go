// Package daemon shares one console session between short-lived clients.
//
// The daemon listens on a Unix socket and speaks newline-delimited JSON: one
// Request per line in, one Response per line out. Every request goes through
// the same session.Manager, whose protocol engine runs commands one at a
// time in arrival order. A websocket feed optionally streams progress events
// and console lines.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/lock"
	"github.com/orbitwright/kosctl/internal/protocol"
	"github.com/orbitwright/kosctl/internal/session"
	"github.com/orbitwright/kosctl/internal/version"
)

// maxRequestLine bounds a single request; scripts are small.
const maxRequestLine = 1 << 20

// Config configures a Server.
type Config struct {
	Socket   string
	StateDir string

	// FeedAddr is the loopback address of the websocket feed; empty
	// disables it.
	FeedAddr string

	Manager *session.Manager
	Events  *events.Bus

	// DefaultSelector is used when execute arrives before any connect.
	DefaultSelector session.Selector

	// IdleCheck is how long the session may sit unused before the next
	// request health-checks it first. Zero disables the check.
	IdleCheck time.Duration

	Logger *slog.Logger
}

// Server is the daemon.
type Server struct {
	cfg     Config
	mgr     *session.Manager
	logger  *slog.Logger
	started time.Time

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	feedAddr string

	// recoverMu serialises health checks and reconnects.
	recoverMu sync.Mutex

	wg sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(cfg.Socket)
	}
	return &Server{
		cfg:      cfg,
		mgr:      cfg.Manager,
		logger:   logger,
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run holds the daemon lock, serves until ctx is done or a shutdown request
// arrives, then disconnects the session. It returns lock.ErrLocked when
// another daemon owns the state directory.
func (s *Server) Run(ctx context.Context) error {
	lk := lock.New(s.cfg.StateDir)
	if err := lk.Acquire(s.cfg.Socket); err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			s.logger.Warn("releasing daemon lock", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(s.cfg.Socket), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// Holding the lock means any socket file left behind is stale.
	if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Socket, err)
	}
	if err := os.Chmod(s.cfg.Socket, 0o600); err != nil {
		s.logger.Warn("restricting socket permissions", "error", err)
	}
	s.started = time.Now()

	var feedSrv *http.Server
	if s.cfg.FeedAddr != "" {
		feedSrv, err = s.startFeed()
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.logger.Info("daemon listening", "socket", s.cfg.Socket, "feed", s.feedAddress(), "pid", os.Getpid())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.closeConns()
	s.wg.Wait()
	if feedSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = feedSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if s.mgr != nil {
		s.mgr.Disconnect()
	}
	_ = os.Remove(s.cfg.Socket)
	s.logger.Info("daemon stopped")
	return nil
}

func (s *Server) startFeed() (*http.Server, error) {
	ln, err := net.Listen("tcp", s.cfg.FeedAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on feed address %s: %w", s.cfg.FeedAddr, err)
	}
	s.mu.Lock()
	s.feedAddr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           NewFeed(s.cfg.Events, s.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("feed server failed", "error", err)
		}
	}()
	return srv, nil
}

func (s *Server) feedAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedAddr
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		req, err := decodeRequest(line)
		if err != nil {
			resp = Response{Code: CodeInvalid, Error: err.Error()}
		} else {
			resp = s.handle(ctx, req)
		}
		data, err := encodeLine(resp)
		if err != nil {
			s.logger.Error("encoding response", "error", err)
			return
		}
		if _, err := conn.Write(data); err != nil {
			s.logger.Debug("client went away", "error", err)
			return
		}
		// Stop only after the acknowledgement is written; stopping closes
		// this connection.
		if req.Type == ReqShutdown && resp.OK {
			s.Shutdown()
		}
	}
}

// Shutdown stops Run. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	s.logger.Debug("request", "id", req.ID, "type", req.Type)
	switch req.Type {
	case ReqPing:
		return Response{ID: req.ID, OK: true}

	case ReqConnect:
		st, err := s.mgr.Connect(ctx, req.selector())
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return Response{ID: req.ID, OK: true, State: &st}

	case ReqExecute:
		if err := s.ensureConnected(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		res, err := s.mgr.Execute(ctx, req.Command, req.timeout())
		if errors.Is(err, protocol.ErrTimeout) {
			s.recoverSession(ctx)
		}
		resp := Response{ID: req.ID, OK: true}
		if err != nil {
			resp = errorResponse(req.ID, err)
		}
		resp.Result = &res
		if m := s.mgr.Monitor(); m != nil {
			st := m.Status()
			resp.Monitor = &st
		}
		return resp

	case ReqDetach:
		if err := s.ensureConnected(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		if err := s.mgr.Detach(ctx, req.Command); err != nil {
			return errorResponse(req.ID, err)
		}
		return Response{ID: req.ID, OK: true}

	case ReqStatus:
		st := s.status()
		return Response{ID: req.ID, OK: true, Status: &st}

	case ReqClearMonitor:
		if m := s.mgr.Monitor(); m != nil {
			m.Clear()
		}
		return Response{ID: req.ID, OK: true}

	case ReqDisconnect:
		s.mgr.Disconnect()
		st := s.mgr.State()
		return Response{ID: req.ID, OK: true, State: &st}

	case ReqShutdown:
		s.logger.Info("shutdown requested", "id", req.ID)
		return Response{ID: req.ID, OK: true}
	}
	return Response{ID: req.ID, Code: CodeInvalid, Error: fmt.Sprintf("unknown request type %q", req.Type)}
}

// ensureConnected reattaches a lost session with its last selector, or
// makes the first connection with the default selector. A session unused
// for longer than IdleCheck is health-checked first.
func (s *Server) ensureConnected(ctx context.Context) error {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	if s.mgr.IsConnected() {
		idle := time.Since(s.mgr.State().LastActivity)
		if s.cfg.IdleCheck <= 0 || idle < s.cfg.IdleCheck {
			return nil
		}
		s.logger.Debug("session idle, checking health", "idle", idle.Round(time.Second))
	}
	_, err := s.mgr.EnsureConnected(ctx)
	if errors.Is(err, session.ErrNotConnected) {
		_, err = s.mgr.Connect(ctx, s.cfg.DefaultSelector)
	}
	return err
}

// recoverSession runs after a command timed out. A console that no longer
// answers the health check is dropped and reattached with backoff.
func (s *Server) recoverSession(ctx context.Context) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	if !s.mgr.IsConnected() {
		return
	}
	err := s.mgr.HealthCheck(ctx)
	if err == nil {
		return
	}
	s.logger.Warn("console stopped answering, reconnecting", "error", err)
	s.mgr.Disconnect()
	if _, err := s.mgr.EnsureConnected(ctx); err != nil {
		s.logger.Error("reconnect failed", "error", err)
	}
}

func (s *Server) status() Status {
	st := Status{
		PID:       os.Getpid(),
		Version:   version.Version,
		Commit:    version.Current(),
		StartedAt: s.started,
		Socket:    s.cfg.Socket,
		FeedAddr:  s.feedAddress(),
		Session:   s.mgr.State(),
	}
	if m := s.mgr.Monitor(); m != nil {
		st.Monitor = m.Status()
	}
	if s.cfg.Events != nil {
		st.Events = s.cfg.Events.Metrics()
	}
	return st
}
