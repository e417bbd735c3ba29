// Package gateway owns the life of an authenticated session: the handshake
// that admits a connection, the registry that guarantees one connection per
// identity, the dispatcher that routes its events, the fanout that delivers
// conversation events and the monitor that evicts dead peers.
package gateway

import (
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
	"github.com/whisper/gateway/internal/protocol"
	gws "github.com/whisper/gateway/internal/ws"
)

// Gateway adapts the transport callbacks to the handshake, dispatcher and
// registry.
type Gateway struct {
	decoder    codec.Chain
	handshake  *Handshake
	dispatcher *Dispatcher
	registry   *Registry
	log        *zap.Logger
}

var _ gws.Handler = (*Gateway)(nil)

// New wires the handshake in as the dispatcher's pre-auth handler.
func New(decoder codec.Chain, handshake *Handshake, dispatcher *Dispatcher, registry *Registry, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if decoder == nil {
		decoder = codec.DefaultChain()
	}
	dispatcher.SetPreAuth(handshake.Handle)
	return &Gateway{
		decoder:    decoder,
		handshake:  handshake,
		dispatcher: dispatcher,
		registry:   registry,
		log:        log,
	}
}

func (g *Gateway) OnOpen(c *gws.Connection) { g.handshake.Open(c) }

// OnMessage decodes one data frame. The reply format follows the format the
// client last sent in.
func (g *Gateway) OnMessage(c *gws.Connection, data []byte) {
	env, err := g.decoder.Decode(data)
	if err != nil {
		g.log.Debug("malformed envelope", zap.String("conn", c.ID), zap.Int("bytes", len(data)), zap.Error(err))
		metrics.Events.WithLabelValues("unknown", protocol.CodeParseError).Inc()
		if err := c.Send(codec.NewFrame(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeParseError,
			Message: "malformed envelope",
		})); err != nil {
			g.log.Debug("reply failed", zap.String("conn", c.ID), zap.Error(err))
		}
		return
	}
	c.SetFormat(env.Format)
	g.dispatcher.Dispatch(c, env)
}

// OnClose releases whatever the connection held: its registry entry once
// authenticated, its pending handshake before.
func (g *Gateway) OnClose(c *gws.Connection) {
	if id := c.Identity(); id != "" {
		g.registry.Remove(id, c)
		return
	}
	g.handshake.Discard(c)
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Handshake() *Handshake { return g.handshake }
