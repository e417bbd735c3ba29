// Package wstest provides an in-memory net.Conn that records the WebSocket
// frames a server writes, for tests of code that sends through ws.Connection.
package wstest

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/codec"
)

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

// Conn is a net.Conn whose reads block until Close and whose writes are
// recorded.
type Conn struct {
	mu       sync.Mutex
	out      bytes.Buffer
	closed   bool
	done     chan struct{}
	writeErr error
	remote   string
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{done: make(chan struct{}), remote: "10.0.0.1:5000"}
}

func (c *Conn) Read(p []byte) (int, error) {
	<-c.done
	return 0, io.EOF
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.out.Write(p)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr              { return addr("127.0.0.1:8080") }
func (c *Conn) RemoteAddr() net.Addr             { return addr(c.remote) }
func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// FailWrites makes every later write return err; nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// IsClosed reports whether the socket was closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames parses every frame written so far.
func (c *Conn) Frames(t testing.TB) []ws.Frame {
	t.Helper()
	c.mu.Lock()
	raw := append([]byte(nil), c.out.Bytes()...)
	c.mu.Unlock()

	r := bytes.NewReader(raw)
	var frames []ws.Frame
	for r.Len() > 0 {
		f, err := ws.ReadFrame(r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

// Envelopes decodes every data frame written so far.
func (c *Conn) Envelopes(t testing.TB) []codec.Envelope {
	t.Helper()
	var envs []codec.Envelope
	for _, f := range c.Frames(t) {
		if f.Header.OpCode.IsControl() {
			continue
		}
		env, err := codec.DefaultChain().Decode(f.Payload)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

// Types lists the event names of every data frame written so far.
func (c *Conn) Types(t testing.TB) []string {
	t.Helper()
	var types []string
	for _, env := range c.Envelopes(t) {
		types = append(types, env.Type)
	}
	return types
}

// Last returns the most recent envelope of eventType and decodes its payload
// into v when v is non-nil.
func (c *Conn) Last(t testing.TB, eventType string, v any) codec.Envelope {
	t.Helper()
	envs := c.Envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type != eventType {
			continue
		}
		if v != nil {
			require.NoError(t, envs[i].DecodePayload(v))
		}
		return envs[i]
	}
	require.Failf(t, "event not sent", "no %s among %v", eventType, c.Types(t))
	return codec.Envelope{}
}

// Count returns how many data frames of eventType were written.
func (c *Conn) Count(t testing.TB, eventType string) int {
	t.Helper()
	n := 0
	for _, env := range c.Envelopes(t) {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

// CloseFrame returns the code and reason of the close frame, if one was
// written.
func (c *Conn) CloseFrame(t testing.TB) (ws.StatusCode, string, bool) {
	t.Helper()
	for _, f := range c.Frames(t) {
		if f.Header.OpCode == ws.OpClose {
			code, reason := ws.ParseCloseFrameData(f.Payload)
			return code, reason, true
		}
	}
	return 0, "", false
}

// Reset discards the recorded output.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.out.Reset()
	c.mu.Unlock()
}
