package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/gateway/internal/codec"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("ws: connection closed")

// Close codes used by the gateway beyond the RFC 6455 set.
const (
	StatusAuthFailed       ws.StatusCode = 4001
	StatusHandshakeTimeout ws.StatusCode = 4008
	StatusReplaced         ws.StatusCode = 4009
	StatusIdle             ws.StatusCode = 4010
)

// ConnConfig configures a Connection.
type ConnConfig struct {
	WriteTimeout  time.Duration
	DefaultFormat codec.Format
	// OnClose runs exactly once, after the transport is closed.
	OnClose func(c *Connection)
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // locally generated connection id (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor for epoll registration, -1 if none
	CreatedAt  time.Time // when the connection was established
	RemoteAddr string

	br            *bufio.Reader
	identity      atomic.Pointer[string]
	format        atomic.Uint32
	lastActivity  atomic.Int64 // unix nanos of the last data frame
	lastHeartbeat atomic.Int64 // unix nanos of the last frame of any kind
	writeTimeout  time.Duration

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by a worker

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   atomic.Uint32
	beforeClose func(c *Connection) // transport release, runs before Conn.Close
	onClose     func(c *Connection)
}

// NewConnection wraps conn. The server uses it after the upgrade; tests use
// it directly over an in-memory conn.
func NewConnection(conn net.Conn, cfg ConnConfig) *Connection {
	return newConnection(conn, bufio.NewReader(conn), cfg)
}

func newConnection(conn net.Conn, br *bufio.Reader, cfg ConnConfig) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		br:           br,
		writeTimeout: cfg.WriteTimeout,
		onClose:      cfg.OnClose,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	if cfg.DefaultFormat == 0 {
		cfg.DefaultFormat = codec.FormatBinary
	}
	c.format.Store(uint32(cfg.DefaultFormat))
	c.lastActivity.Store(now.UnixNano())
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Identity returns the authenticated identity, or "" before authentication.
func (c *Connection) Identity() string {
	if p := c.identity.Load(); p != nil {
		return *p
	}
	return ""
}

// SetIdentity binds the connection to identity. It succeeds only once.
func (c *Connection) SetIdentity(identity string) bool {
	return c.identity.CompareAndSwap(nil, &identity)
}

func (c *Connection) Authenticated() bool { return c.identity.Load() != nil }

// Format is the wire format used for outbound frames.
func (c *Connection) Format() codec.Format { return codec.Format(c.format.Load()) }

// SetFormat records the format the client last sent in.
func (c *Connection) SetFormat(f codec.Format) { c.format.Store(uint32(f)) }

// Touch records inbound application activity.
func (c *Connection) Touch() {
	now := time.Now().UnixNano()
	c.lastActivity.Store(now)
	c.lastHeartbeat.Store(now)
}

// MarkHeartbeat records an inbound frame of any kind.
func (c *Connection) MarkHeartbeat() { c.lastHeartbeat.Store(time.Now().UnixNano()) }

func (c *Connection) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Connection) LastHeartbeat() time.Time { return time.Unix(0, c.lastHeartbeat.Load()) }

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// CloseCode returns the code the connection was closed with, or 0.
func (c *Connection) CloseCode() ws.StatusCode { return ws.StatusCode(c.closeCode.Load()) }

// Send writes frame in the connection's current format. Binary frames go out
// as binary messages, JSON frames as text messages.
func (c *Connection) Send(frame *codec.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	f := c.Format()
	data, err := frame.Bytes(f)
	if err != nil {
		return err
	}
	op := ws.OpBinary
	if f == codec.FormatJSON {
		op = ws.OpText
	}
	return c.write(op, data)
}

// WritePing sends a protocol-level ping.
func (c *Connection) WritePing() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.write(ws.OpPing, nil)
}

func (c *Connection) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

// Close sends a close frame with code and reason, releases the transport and
// runs the close callbacks. Only the first call has any effect.
func (c *Connection) Close(code ws.StatusCode, reason string) {
	c.terminate(true, code, reason)
}

// drop releases a connection whose peer is already gone, without writing.
func (c *Connection) drop() {
	c.terminate(false, ws.StatusAbnormalClosure, "")
}

func (c *Connection) terminate(sendFrame bool, code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeCode.Store(uint32(code))
		if sendFrame {
			body := ws.NewCloseFrameBody(code, reason)
			_ = c.write(ws.OpClose, body)
		}
		if c.beforeClose != nil {
			c.beforeClose(c)
		}
		_ = c.Conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// ConnectionManager is a thread-safe registry of every open transport
// connection, authenticated or not, keyed by connection id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by id. It reports false if it was already
// gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
