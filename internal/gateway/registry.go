package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
	gws "github.com/whisper/gateway/internal/ws"
)

// ErrOffline is returned by Registry.Send when the identity has no
// connection on this node.
var ErrOffline = errors.New("gateway: identity not connected")

// ReasonReplaced is the close reason sent to a connection superseded by a
// newer login of the same identity.
const ReasonReplaced = "replaced by new connection"

// Presence receives registry transitions. Offline reports whether the
// transition applied; a connection that was already replaced does not mark
// its identity offline.
type Presence interface {
	Online(ctx context.Context, identity, connID string) error
	Offline(ctx context.Context, identity, connID string) (bool, error)
}

// EvictionPublisher announces logins to other nodes.
type EvictionPublisher interface {
	PublishEviction(identity, connID string) error
}

// Registry maps each authenticated identity to its single live connection.
// It is the only component that closes connections on behalf of others.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*gws.Connection

	presence Presence
	relay    EvictionPublisher
	timeout  time.Duration
	log      *zap.Logger
}

// NewRegistry returns an empty registry. presence may be nil; presence writes
// are bounded by timeout.
func NewRegistry(presence Presence, timeout time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byIdentity: make(map[string]*gws.Connection),
		presence:   presence,
		timeout:    timeout,
		log:        log,
	}
}

// SetRelay makes Register announce logins to other nodes.
func (r *Registry) SetRelay(relay EvictionPublisher) { r.relay = relay }

// Register installs c as identity's connection. A previous connection for the
// identity is closed with 4009 after the swap, so at no instant do two
// connections resolve for the same identity.
func (r *Registry) Register(identity string, c *gws.Connection) {
	r.mu.Lock()
	prev := r.byIdentity[identity]
	r.byIdentity[identity] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		r.log.Info("replacing connection",
			zap.String("identity", identity),
			zap.String("old", prev.ID),
			zap.String("new", c.ID))
		metrics.Evictions.WithLabelValues("replaced").Inc()
		prev.Close(gws.StatusReplaced, ReasonReplaced)
	}

	if r.presence != nil {
		ctx, cancel := r.presenceContext()
		if err := r.presence.Online(ctx, identity, c.ID); err != nil {
			r.log.Warn("presence online failed", zap.String("identity", identity), zap.Error(err))
		}
		cancel()
	}
	if r.relay != nil {
		if err := r.relay.PublishEviction(identity, c.ID); err != nil {
			r.log.Warn("eviction relay failed", zap.String("identity", identity), zap.Error(err))
		}
	}
}

// Remove drops identity's entry only while it still points at c, so a
// replaced connection closing late never removes its successor. It reports
// whether the entry was removed.
func (r *Registry) Remove(identity string, c *gws.Connection) bool {
	r.mu.Lock()
	cur, ok := r.byIdentity[identity]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.byIdentity, identity)
	r.mu.Unlock()

	if r.presence != nil {
		ctx, cancel := r.presenceContext()
		if _, err := r.presence.Offline(ctx, identity, c.ID); err != nil {
			r.log.Warn("presence offline failed", zap.String("identity", identity), zap.Error(err))
		}
		cancel()
	}
	return true
}

// Evict closes c with code and reason. The close callback removes it.
func (r *Registry) Evict(c *gws.Connection, code ws.StatusCode, reason string) {
	if c.Closed() {
		return
	}
	metrics.Evictions.WithLabelValues(reason).Inc()
	r.log.Info("evicting connection",
		zap.String("conn", c.ID),
		zap.String("identity", c.Identity()),
		zap.String("reason", reason))
	c.Close(code, reason)
}

// EvictRemote closes the local connection of identity unless it is connID.
// Other nodes call it through the relay after a login there.
func (r *Registry) EvictRemote(identity, connID string) {
	c := r.Get(identity)
	if c == nil || c.ID == connID {
		return
	}
	metrics.Evictions.WithLabelValues("replaced").Inc()
	c.Close(gws.StatusReplaced, ReasonReplaced)
}

// Get returns identity's connection, or nil.
func (r *Registry) Get(identity string) *gws.Connection {
	r.mu.RLock()
	c := r.byIdentity[identity]
	r.mu.RUnlock()
	return c
}

// Connected reports whether identity has a live connection on this node.
func (r *Registry) Connected(identity string) bool {
	c := r.Get(identity)
	return c != nil && !c.Closed()
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*gws.Connection {
	r.mu.RLock()
	out := make([]*gws.Connection, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Send writes frame to identity's connection. A failed write evicts the
// connection.
func (r *Registry) Send(identity string, frame *codec.Frame) error {
	c := r.Get(identity)
	if c == nil {
		return ErrOffline
	}
	if err := c.Send(frame); err != nil {
		r.Evict(c, ws.StatusGoingAway, reasonWriteFailed)
		return err
	}
	return nil
}

const reasonWriteFailed = "write failed"

func (r *Registry) presenceContext() (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), r.timeout)
}
