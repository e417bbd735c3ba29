package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/protocol"
	gws "github.com/whisper/gateway/internal/ws"
)

func TestDispatcher_PingInEveryState(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())

	pending, raw := h.connect(t)
	h.send(t, pending, protocol.TypePing, nil)
	assert.Equal(t, 1, raw.Count(t, protocol.TypePong))
	assert.True(t, h.handshake.IsPending(pending.ID))

	authed, raw := h.login(t, "u1")
	h.send(t, authed, protocol.TypePing, nil)
	var pong protocol.PongMsg
	raw.Last(t, protocol.TypePong, &pong)
	assert.NotZero(t, pong.ServerTime)
}

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   any
		handler   HandlerFunc
		code      string
	}{
		{
			name:      "unknown event",
			eventType: "TELEPORT",
			code:      protocol.CodeUnknownEvent,
		},
		{
			name:      "unregistered known event",
			eventType: protocol.TypeUnreadFetch,
			code:      protocol.CodeUnknownEvent,
		},
		{
			name:      "login after authentication",
			eventType: protocol.TypeAuthLogin,
			payload:   protocol.AuthLogin{Identity: "u1", Credential: "x"},
			code:      protocol.CodeAlreadyAuthenticated,
		},
		{
			name:      "invalid payload",
			eventType: protocol.TypeMessageSend,
			payload:   map[string]any{"conversationId": 42},
			handler:   func(context.Context, *gws.Connection, protocol.Event) error { return nil },
			code:      protocol.CodeInvalidPayload,
		},
		{
			name:      "typed handler error",
			eventType: protocol.TypeChannelJoin,
			payload:   protocol.ChannelJoin{ConversationID: "c1"},
			handler: func(context.Context, *gws.Connection, protocol.Event) error {
				return protocol.Errorf(protocol.CodeForbidden, "private conversation")
			},
			code: protocol.CodeForbidden,
		},
		{
			name:      "untyped handler error",
			eventType: protocol.TypeChannelsFetch,
			handler: func(context.Context, *gws.Connection, protocol.Event) error {
				return errors.New("boom")
			},
			code: protocol.CodeInternal,
		},
		{
			name:      "handler panic",
			eventType: protocol.TypeChannelsFetch,
			handler: func(context.Context, *gws.Connection, protocol.Event) error {
				panic("nil map")
			},
			code: protocol.CodeInternal,
		},
		{
			name:      "handler deadline",
			eventType: protocol.TypeChannelsFetch,
			handler: func(ctx context.Context, _ *gws.Connection, _ protocol.Event) error {
				<-ctx.Done()
				return ctx.Err()
			},
			code: protocol.CodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultHandshakeConfig())
			h.dispatcher.timeout = 20 * time.Millisecond
			if tt.handler != nil {
				h.dispatcher.Register(tt.eventType, tt.handler)
			}
			c, raw := h.login(t, "u1")

			h.send(t, c, tt.eventType, tt.payload)

			var msg protocol.ErrorMsg
			raw.Last(t, protocol.TypeError, &msg)
			assert.Equal(t, tt.code, msg.Code)
			assert.Equal(t, tt.eventType, msg.Event)
			assert.Equal(t, 1, raw.Count(t, protocol.TypeError))
			assert.False(t, c.Closed())
		})
	}
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	var got protocol.MessageSend
	var from string
	h.dispatcher.Register(protocol.TypeMessageSend, func(_ context.Context, c *gws.Connection, ev protocol.Event) error {
		got = ev.(protocol.MessageSend)
		from = c.Identity()
		return nil
	})
	c, raw := h.login(t, "u1")

	h.send(t, c, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c1", Content: "hi", ClientID: "tmp-1"})

	require.Equal(t, "u1", from)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "tmp-1", got.ClientID)
	assert.Zero(t, raw.Count(t, protocol.TypeError))
}
