//go:build !linux

package ws

import (
	"net"
	"sync"
)

// reportsBuffered is true because monitors peek the buffered reader.
const reportsBuffered = true

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor that peeks the connection's buffered reader,
// so readiness detection never consumes frame bytes. After reporting a
// connection the monitor parks until the server calls Resume.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]chan struct{} // resume signal per connection
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c.
func (e *Epoll) Add(c *Connection) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[c] = resume
	e.mu.Unlock()

	go e.monitor(c, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, resume chan struct{}) {
	for {
		// Peek blocks until data is buffered or the read fails. A failure is
		// still reported so the server's read path observes the closure.
		_, err := c.br.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-resume:
		case <-e.done:
			return
		}
		e.mu.Lock()
		_, ok := e.conns[c]
		e.mu.Unlock()
		if !ok {
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	resume := e.conns[c]
	e.mu.Unlock()
	if resume == nil {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring c. A monitor blocked in Peek exits once the socket
// is closed.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if resume != nil {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and drains
// any others that are ready without blocking.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[*Connection]chan struct{}{}
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(any) int {
	return -1
}
