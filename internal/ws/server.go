// Package ws handles WebSocket connection management: upgrading HTTP
// connections, multiplexing their reads over epoll, serializing writes, and
// handing complete data frames to a Handler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
)

var errNoFD = errors.New("ws: connection has no file descriptor")

// Handler receives connection lifecycle events. OnMessage is called from a
// worker goroutine, at most once at a time per connection.
type Handler interface {
	OnOpen(c *Connection)
	OnMessage(c *Connection, data []byte)
	OnClose(c *Connection)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // inbound messages above this close with 1009
	DefaultFormat  codec.Format  // outbound format until the client sends a frame
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxFrameBytes:  64 << 10,
		DefaultFormat:  codec.FormatBinary,
	}
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with the poller for readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config     ServerConfig
	handler    Handler
	log        *zap.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	router     *mux.Router
	done       chan struct{}
	closing    atomic.Bool
	loopDone   chan struct{}

	mu        sync.Mutex // guards epoll and startedAt against Shutdown
	startedAt time.Time

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

// NewServer creates a Server that delivers connection events to handler.
func NewServer(config ServerConfig, handler Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		handler:    handler,
		log:        log.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		checks:     make(map[string]HealthCheck),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s
}

// Router exposes the HTTP routes so callers can mount extra endpoints.
func (s *Server) Router() *mux.Router { return s.router }

// AddHealthCheck includes a named dependency check in /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the poller, starts the event loop and blocks serving
// HTTP on l.
func (s *Server) Serve(l net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = epoll.Close()
		return nil
	}
	s.epoll = epoll
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()

	s.log.Info("server listening",
		zap.String("addr", l.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader and registers it with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := ws.HTTPUpgrader{Timeout: s.config.WriteTimeout}
	conn, rw, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	// The hijacked reader may already hold the client's first frames.
	c := newConnection(conn, rw.Reader, ConnConfig{
		WriteTimeout:  s.config.WriteTimeout,
		DefaultFormat: s.config.DefaultFormat,
	})
	c.beforeClose = s.release
	c.onClose = s.closed

	s.conns.Add(c)
	metrics.Connections.WithLabelValues("pending").Inc()

	s.log.Debug("new connection",
		zap.String("conn", c.ID),
		zap.String("remote", c.RemoteAddr),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()))

	// The handler sees the connection before its first frame can be read.
	s.handler.OnOpen(c)
	if c.Closed() {
		return
	}

	if err := s.epoll.Add(c); err != nil {
		s.log.Warn("epoll add failed", zap.String("conn", c.ID), zap.Error(err))
		c.drop()
		return
	}
	if !reportsBuffered && c.br.Buffered() > 0 {
		s.dispatch(c)
	}
}

func (s *Server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt).Round(time.Second)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count, uptime and dependency checks. Load balancers use
// it; a failing check turns the status into "degraded" with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      s.uptime().String(),
	}

	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.checksMu.RUnlock()

	status := http.StatusOK
	if resp.Status != "ok" || s.closing.Load() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes frames.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				s.log.Warn("epoll wait error", zap.Error(err))
			}
			continue
		}

		for _, c := range conns {
			s.dispatch(c)
		}
	}
}

func (s *Server) dispatch(c *Connection) {
	// Acquire a worker slot (blocks if pool is full).
	s.workerPool <- struct{}{}
	go func() {
		defer func() { <-s.workerPool }()
		s.handleConn(c)
	}()
}

// handleConn reads frames from a ready connection until its buffered reader
// is drained. Level-triggered epoll may report a connection that a worker is
// already reading; the processing flag drops such duplicates.
func (s *Server) handleConn(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(c)
	}()

	for !c.Closed() {
		if !s.readFrame(c) {
			return
		}
		if c.br.Buffered() == 0 {
			return
		}
	}
}

// readFrame reads one frame. It reports false when the connection should not
// be read again in this dispatch.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.br, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
			c.drop()
		} else {
			c.Close(ws.StatusProtocolError, "protocol error")
		}
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.MarkHeartbeat()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			c.drop()
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			c.Close(ws.StatusNormalClosure, "")
			return false
		case ws.OpPing:
			if err := c.write(ws.OpPong, payload); err != nil {
				c.drop()
				return false
			}
		}
		return true
	}

	limit := s.config.MaxFrameBytes
	if limit > 0 && header.Length > limit {
		c.Close(ws.StatusMessageTooBig, "message too big")
		return false
	}
	var data []byte
	if limit > 0 {
		data, err = io.ReadAll(io.LimitReader(reader, limit+1))
	} else {
		data, err = io.ReadAll(reader)
	}
	if err != nil {
		c.drop()
		return false
	}
	if limit > 0 && int64(len(data)) > limit {
		c.Close(ws.StatusMessageTooBig, "message too big")
		return false
	}
	if len(data) == 0 {
		return true
	}

	c.Touch()
	s.handler.OnMessage(c, data)
	return true
}

// release unregisters c from the poller before its socket is closed.
func (s *Server) release(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
}

// closed runs once per connection after the socket is closed.
func (s *Server) closed(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	state := "pending"
	if c.Authenticated() {
		state = "authenticated"
	}
	metrics.Connections.WithLabelValues(state).Dec()

	s.handler.OnClose(c)

	s.log.Debug("connection closed",
		zap.String("conn", c.ID),
		zap.Uint16("code", uint16(c.CloseCode())),
		zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every open connection with
// 1001 and stops the event loop.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("shutting down server", zap.Int("connections", s.conns.Count()))

	var err error
	if herr := s.httpServer.Shutdown(ctx); herr != nil {
		err = fmt.Errorf("ws: http shutdown: %w", herr)
	}

	for _, c := range s.conns.All() {
		c.Close(ws.StatusGoingAway, "server shutting down")
	}

	close(s.done)
	s.mu.Lock()
	epoll := s.epoll
	s.mu.Unlock()
	if epoll != nil {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
		}
		_ = epoll.Close()
	}
	return err
}
