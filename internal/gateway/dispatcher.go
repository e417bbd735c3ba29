package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
	"github.com/whisper/gateway/internal/protocol"
	gws "github.com/whisper/gateway/internal/ws"
)

// HandlerFunc handles one decoded client event. A returned error is sent back
// to the originating connection as a single ERROR envelope.
type HandlerFunc func(ctx context.Context, c *gws.Connection, ev protocol.Event) error

// Dispatcher routes decoded events to registered handlers. PING is answered
// in every state; other events on a connection that has not authenticated go
// to the pre-auth handler (the handshake) or are rejected with auth_required.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	preAuth  HandlerFunc
	timeout  time.Duration
	log      *zap.Logger
}

// NewDispatcher returns a dispatcher whose handlers run with timeout.
func NewDispatcher(timeout time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		timeout:  timeout,
		log:      log,
	}
}

// Register associates a handler with an event type. Registering a type twice
// replaces the earlier handler. Registration must finish before dispatching
// starts.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.handlers[eventType] = h
}

// SetPreAuth sets the handler for events on unauthenticated connections.
func (d *Dispatcher) SetPreAuth(h HandlerFunc) { d.preAuth = h }

// Dispatch decodes env into a typed event and runs the matching handler.
// It never panics and never closes the connection.
func (d *Dispatcher) Dispatch(c *gws.Connection, env codec.Envelope) {
	if !c.Authenticated() && d.preAuthRejects(env.Type) {
		d.fail(c, env.Type, protocol.Errorf(protocol.CodeAuthRequired, "authentication required"))
		return
	}
	ev, err := protocol.Decode(env)
	if err != nil {
		d.fail(c, env.Type, err)
		return
	}
	d.log.Debug("dispatch",
		zap.String("conn", c.ID),
		zap.String("identity", c.Identity()),
		zap.String("event", protocol.String(ev)))

	switch e := ev.(type) {
	case protocol.Ping:
		d.reply(c, codec.NewFrame(protocol.TypePong, protocol.PongMsg{ServerTime: codec.NowMillis()}))
		metrics.Events.WithLabelValues(protocol.TypePing, "ok").Inc()
		return
	case protocol.Unknown:
		d.fail(c, e.Type, protocol.Errorf(protocol.CodeUnknownEvent, "unknown event %q", e.Type))
		return
	}

	var h HandlerFunc
	switch {
	case !c.Authenticated():
		h = d.preAuth
		if h == nil {
			d.fail(c, ev.EventType(), protocol.Errorf(protocol.CodeAuthRequired, "authentication required"))
			return
		}
	case ev.EventType() == protocol.TypeAuthLogin:
		d.fail(c, ev.EventType(), protocol.Errorf(protocol.CodeAlreadyAuthenticated, "connection is already authenticated"))
		return
	default:
		var ok bool
		if h, ok = d.handlers[ev.EventType()]; !ok {
			d.fail(c, ev.EventType(), protocol.Errorf(protocol.CodeUnknownEvent, "unsupported event %q", ev.EventType()))
			return
		}
	}

	start := time.Now()
	err = d.run(c, ev, h)
	metrics.DispatchLatency.WithLabelValues(ev.EventType()).Observe(time.Since(start).Seconds())
	if err != nil {
		d.fail(c, ev.EventType(), err)
		return
	}
	metrics.Events.WithLabelValues(ev.EventType(), "ok").Inc()
}

// preAuthRejects reports whether a known event type needs authentication,
// decided before the payload is decoded.
func (d *Dispatcher) preAuthRejects(eventType string) bool {
	switch eventType {
	case protocol.TypePing, protocol.TypeAuthLogin:
		return false
	}
	return protocol.Known(eventType)
}

// run invokes h with a bounded context, turning a panic into an error.
func (d *Dispatcher) run(c *gws.Connection, ev protocol.Event, h HandlerFunc) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("handler panic",
				zap.String("event", ev.EventType()),
				zap.String("conn", c.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("gateway: handler %s panicked: %v", ev.EventType(), p)
		}
	}()
	return h(ctx, c, ev)
}

func (d *Dispatcher) fail(c *gws.Connection, eventType string, err error) {
	pe := protocol.AsError(err)
	label := eventType
	if !protocol.Known(eventType) {
		label = "unknown"
	}
	metrics.Events.WithLabelValues(label, pe.Code).Inc()

	switch pe.Code {
	case protocol.CodeInternal, protocol.CodeUnavailable:
		d.log.Warn("handler failed",
			zap.String("event", eventType),
			zap.String("conn", c.ID),
			zap.String("identity", c.Identity()),
			zap.Error(err))
	default:
		d.log.Debug("event rejected",
			zap.String("event", eventType),
			zap.String("conn", c.ID),
			zap.String("code", pe.Code))
	}

	d.reply(c, codec.NewFrame(protocol.TypeError, protocol.ErrorMsg{
		Code:    pe.Code,
		Message: pe.Message,
		Event:   eventType,
	}))
}

func (d *Dispatcher) reply(c *gws.Connection, frame *codec.Frame) {
	if err := c.Send(frame); err != nil {
		d.log.Debug("reply failed", zap.String("conn", c.ID), zap.Error(err))
	}
}
