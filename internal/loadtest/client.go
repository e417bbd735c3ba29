// Package loadtest provides the simulated gateway client and the metrics
// collector used by cmd/loadtest. The client dials with gobwas/ws (the same
// library the server uses), answers the CHALLENGE with AUTH_LOGIN, and
// tracks per-connection performance data.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/gateway/internal/auth"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
)

// ErrAuthFailed is returned by Dial when the gateway rejects the credential.
var ErrAuthFailed = errors.New("loadtest: authentication failed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until AUTH_SUCCESS
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user connection.
type Client struct {
	conn       net.Conn
	identity   string
	credential string
	decoder    codec.Chain

	writeMu sync.Mutex

	mu       sync.Mutex
	connID   string
	metrics  Metrics
	handlers map[string]func(codec.Envelope)

	authed    chan struct{}
	failed    chan string
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and completes the handshake as identity. It returns
// once AUTH_SUCCESS arrives, or with ErrAuthFailed wrapping the reason.
func Dial(ctx context.Context, url, identity, credential string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:       conn,
		identity:   identity,
		credential: credential,
		decoder:    codec.DefaultChain(),
		handlers:   make(map[string]func(codec.Envelope)),
		authed:     make(chan struct{}),
		failed:     make(chan string, 1),
		done:       make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.authed:
		c.mu.Lock()
		c.metrics.ConnectLatency = time.Since(start)
		c.mu.Unlock()
		return c, nil
	case reason := <-c.failed:
		c.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	case <-c.done:
		return nil, errors.New("loadtest: connection closed during handshake")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Send writes one JSON event. It is goroutine-safe.
func (c *Client) Send(eventType string, payload any) error {
	data, err := codec.Encode(codec.FormatJSON, eventType, payload, codec.NowMillis())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// On registers the handler for a server event type, replacing any previous
// one. Handlers run on the read goroutine.
func (c *Client) On(eventType string, handler func(codec.Envelope)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Identity returns the identity the client logged in as.
func (c *Client) Identity() string { return c.identity }

// ConnectionID returns the id from the CHALLENGE.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		// Control frames, including the server's pings, are answered inside
		// ReadServerData.
		data, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		env, err := c.decoder.Decode(data)
		if err != nil {
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		switch env.Type {
		case protocol.TypeChallenge:
			c.onChallenge(env)
		case protocol.TypeAuthSuccess:
			c.onAuthSuccess(env)
		case protocol.TypeAuthFailure:
			var msg protocol.AuthFailureMsg
			_ = env.DecodePayload(&msg)
			c.fail(msg.Reason)
		}

		if handler != nil {
			handler(env)
		}
	}
}

func (c *Client) onChallenge(env codec.Envelope) {
	var msg protocol.ChallengeMsg
	if err := env.DecodePayload(&msg); err != nil {
		return
	}
	c.mu.Lock()
	c.connID = msg.ConnectionID
	c.mu.Unlock()
	_ = c.Send(protocol.TypeAuthLogin, protocol.AuthLogin{Identity: c.identity, Credential: c.credential})
}

// onAuthSuccess checks a sealed payload opens with the credential before the
// login counts as done.
func (c *Client) onAuthSuccess(env codec.Envelope) {
	var sealed protocol.SealedAuthSuccessMsg
	if err := env.DecodePayload(&sealed); err == nil && sealed.Encrypted {
		plain, err := auth.Open(c.credential, auth.SealedPayload{Nonce: sealed.Nonce, Ciphertext: sealed.Ciphertext})
		if err != nil {
			c.fail("unreadable sealed payload")
			return
		}
		var msg protocol.AuthSuccessMsg
		if err := json.Unmarshal(plain, &msg); err != nil || msg.Identity != c.identity {
			c.fail("unexpected auth payload")
			return
		}
	}
	select {
	case <-c.authed:
	default:
		close(c.authed)
	}
}

func (c *Client) fail(reason string) {
	select {
	case c.failed <- reason:
	default:
	}
}
