//go:build linux

package ws

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds a single epoll_wait so the event loop can observe
// shutdown without an event arriving.
const waitTimeoutMs = 100

// reportsBuffered is false because epoll only sees bytes still in the socket,
// not bytes the upgrade already pulled into the connection's reader.
const reportsBuffered = false

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a goroutine per connection, we register file descriptors
// with the kernel and get notified only when data is ready to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> connection mapping
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness notifications (EPOLLIN and
// EPOLLHUP, level triggered).
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errNoFD
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection. It must run before the socket is closed so
// a recycled descriptor never maps to a stale connection.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.connections[c.Fd] == c {
		delete(e.connections, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: level-triggered epoll re-reports sockets that still hold
// unread data.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks until one or more registered connections are ready for reading
// or the wait timeout elapses. Connections removed between epoll_wait
// returning and the lookup are silently skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = map[int]*Connection{}
	return unix.Close(e.fd)
}

func isEINTR(err error) bool { return err == unix.EINTR }

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn any) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
