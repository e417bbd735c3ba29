package gateway

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/auth"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/store"
	gws "github.com/whisper/gateway/internal/ws"
)

// ReasonTimeout is the AUTH_FAILURE reason for a handshake that never
// completed.
const ReasonTimeout = "timeout"

// CredentialValidator checks a credential presented for an identity.
type CredentialValidator interface {
	Validate(ctx context.Context, credential, assertedIdentity string) (auth.Claims, error)
}

// Profiles creates durable profiles on first login.
type Profiles interface {
	EnsureUser(ctx context.Context, id string) (store.User, bool, error)
}

// HandshakeConfig tunes the handshake.
type HandshakeConfig struct {
	Timeout      time.Duration // pending connections are failed after this
	FailureGrace time.Duration // delay between AUTH_FAILURE and close
	StoreTimeout time.Duration // bound for the profile lookup
	Seal         bool          // encrypt the AUTH_SUCCESS payload
}

// PendingHandshake is a connection that has been challenged but has not
// authenticated yet.
type PendingHandshake struct {
	Conn      *gws.Connection
	StartedAt time.Time
	timer     *time.Timer
}

// Handshake runs the Pending -> Authenticated | Closed state machine. A pending
// entry leaves the set exactly once, by whichever of login, failure, timeout
// or transport close claims it first.
type Handshake struct {
	cfg       HandshakeConfig
	validator CredentialValidator
	profiles  Profiles
	registry  *Registry
	log       *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingHandshake
}

// NewHandshake returns a handshake that promotes authenticated connections
// into registry.
func NewHandshake(cfg HandshakeConfig, validator CredentialValidator, profiles Profiles, registry *Registry, log *zap.Logger) *Handshake {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handshake{
		cfg:       cfg,
		validator: validator,
		profiles:  profiles,
		registry:  registry,
		log:       log,
		pending:   make(map[string]*PendingHandshake),
	}
}

// Open challenges a new connection and arms its timeout.
func (h *Handshake) Open(c *gws.Connection) {
	p := &PendingHandshake{Conn: c, StartedAt: time.Now()}
	h.mu.Lock()
	h.pending[c.ID] = p
	p.timer = time.AfterFunc(h.cfg.Timeout, func() { h.expire(c.ID) })
	h.mu.Unlock()

	h.send(c, codec.NewFrame(protocol.TypeChallenge, protocol.ChallengeMsg{
		ConnectionID: c.ID,
		Timeout:      int(math.Ceil(h.cfg.Timeout.Seconds())),
		ServerTime:   codec.NowMillis(),
	}))
}

// Pending returns the number of connections awaiting authentication.
func (h *Handshake) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// IsPending reports whether the connection id is still awaiting login.
func (h *Handshake) IsPending(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[connID]
	return ok
}

// claim removes the pending entry and stops its timer. Only one caller wins.
func (h *Handshake) claim(connID string) (*PendingHandshake, bool) {
	h.mu.Lock()
	p, ok := h.pending[connID]
	if ok {
		delete(h.pending, connID)
	}
	h.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
	return p, ok
}

// Handle is the dispatcher's pre-auth handler. Anything but AUTH_LOGIN is
// rejected without touching the timer.
func (h *Handshake) Handle(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	login, ok := ev.(protocol.AuthLogin)
	if !ok {
		return protocol.Errorf(protocol.CodeAuthRequired, "authentication required")
	}
	if !h.IsPending(c.ID) {
		// Failed or timed out; the connection is closing.
		return nil
	}
	h.login(ctx, c, login)
	return nil
}

func (h *Handshake) login(ctx context.Context, c *gws.Connection, login protocol.AuthLogin) {
	claims, err := h.validator.Validate(ctx, login.Credential, login.Identity)
	if err != nil {
		reason := auth.Reason(err)
		h.log.Info("credential rejected",
			zap.String("conn", c.ID),
			zap.String("identity", login.Identity),
			zap.String("reason", reason),
			zap.Error(err))
		h.fail(c, reason)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	user, created, err := h.profiles.EnsureUser(sctx, claims.Identity)
	cancel()
	if err != nil {
		h.log.Warn("profile lookup failed", zap.String("identity", claims.Identity), zap.Error(err))
		h.fail(c, "unavailable")
		return
	}

	if _, ok := h.claim(c.ID); !ok {
		// The timer or the transport close won the race.
		return
	}
	c.SetIdentity(claims.Identity)
	metrics.Connections.WithLabelValues("pending").Dec()
	metrics.Connections.WithLabelValues("authenticated").Inc()
	metrics.Handshakes.WithLabelValues("success").Inc()

	h.registry.Register(claims.Identity, c)
	if c.Closed() {
		// Closed after the claim; its close callback may have run before the
		// identity was set and found nothing to release.
		h.registry.Remove(claims.Identity, c)
		return
	}

	h.log.Info("authenticated",
		zap.String("conn", c.ID),
		zap.String("identity", claims.Identity),
		zap.Bool("new_profile", created))

	msg := protocol.AuthSuccessMsg{
		Identity:     claims.Identity,
		ConnectionID: c.ID,
		Profile:      profileOf(user),
		NewProfile:   created,
		ServerTime:   codec.NowMillis(),
	}
	h.send(c, codec.NewFrame(protocol.TypeAuthSuccess, h.successPayload(login.Credential, msg)))
}

// successPayload seals msg with a key derived from the credential. If sealing
// fails the plain payload is sent so the login is never lost.
func (h *Handshake) successPayload(credential string, msg protocol.AuthSuccessMsg) any {
	if !h.cfg.Seal {
		return msg
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("auth payload encoding failed, sending plain", zap.Error(err))
		return msg
	}
	sealed, err := auth.Seal(credential, plaintext)
	if err != nil {
		h.log.Warn("auth payload sealing failed, sending plain", zap.Error(err))
		return msg
	}
	return protocol.SealedAuthSuccessMsg{
		Encrypted:  true,
		Algorithm:  auth.SealAlgorithm,
		Nonce:      sealed.Nonce,
		Ciphertext: sealed.Ciphertext,
	}
}

// fail sends AUTH_FAILURE and closes the connection with 4001 after the grace
// delay.
func (h *Handshake) fail(c *gws.Connection, reason string) {
	if _, ok := h.claim(c.ID); !ok {
		return
	}
	metrics.Handshakes.WithLabelValues("failure").Inc()
	metrics.CredentialRejections.WithLabelValues(reason).Inc()
	h.send(c, codec.NewFrame(protocol.TypeAuthFailure, protocol.AuthFailureMsg{Reason: reason}))
	time.AfterFunc(h.cfg.FailureGrace, func() {
		c.Close(gws.StatusAuthFailed, "authentication failed")
	})
}

func (h *Handshake) expire(connID string) {
	p, ok := h.claim(connID)
	if !ok {
		return
	}
	metrics.Handshakes.WithLabelValues("timeout").Inc()
	h.log.Info("handshake timed out",
		zap.String("conn", connID),
		zap.Duration("after", time.Since(p.StartedAt)))
	h.send(p.Conn, codec.NewFrame(protocol.TypeAuthFailure, protocol.AuthFailureMsg{Reason: ReasonTimeout}))
	p.Conn.Close(gws.StatusHandshakeTimeout, "handshake timeout")
}

// Discard drops the pending entry of a connection that closed before
// authenticating. Nothing is sent.
func (h *Handshake) Discard(c *gws.Connection) {
	if _, ok := h.claim(c.ID); ok {
		metrics.Handshakes.WithLabelValues("abandoned").Inc()
	}
}

func (h *Handshake) send(c *gws.Connection, frame *codec.Frame) {
	if err := c.Send(frame); err != nil {
		h.log.Debug("handshake write failed", zap.String("conn", c.ID), zap.Error(err))
	}
}

func profileOf(u store.User) protocol.Profile {
	p := protocol.Profile{ID: u.ID, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt.UnixMilli()}
	if !u.LastSeenAt.IsZero() {
		p.LastSeenAt = u.LastSeenAt.UnixMilli()
	}
	return p
}
