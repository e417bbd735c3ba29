package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/codec"
)

func envelope(t *testing.T, f codec.Format, eventType string, payload any) codec.Envelope {
	t.Helper()
	data, err := codec.Encode(f, eventType, payload, 1)
	require.NoError(t, err)
	env, err := codec.DefaultChain().Decode(data)
	require.NoError(t, err)
	return env
}

func TestDecode_MessageSend(t *testing.T) {
	for _, f := range []codec.Format{codec.FormatBinary, codec.FormatJSON} {
		env := envelope(t, f, TypeMessageSend, map[string]any{
			"conversationId": "c-1",
			"content":        "Hello!",
			"clientId":       "tmp-7",
		})

		ev, err := Decode(env)
		require.NoError(t, err)

		ms, ok := ev.(MessageSend)
		require.True(t, ok, "expected MessageSend, got %T", ev)
		assert.Equal(t, "c-1", ms.ConversationID)
		assert.Equal(t, "Hello!", ms.Content)
		assert.Equal(t, "tmp-7", ms.ClientID)
	}
}

func TestDecode_AuthLogin(t *testing.T) {
	env := envelope(t, codec.FormatBinary, TypeAuthLogin, AuthLogin{Identity: "u1", Credential: "a.b.c"})

	ev, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, AuthLogin{Identity: "u1", Credential: "a.b.c"}, ev)
}

func TestDecode_UnknownType(t *testing.T) {
	env := envelope(t, codec.FormatJSON, "SELF_DESTRUCT", map[string]any{"in": 5})

	ev, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: "SELF_DESTRUCT"}, ev)
	assert.False(t, Known("SELF_DESTRUCT"))
}

func TestDecode_InvalidPayload(t *testing.T) {
	env := envelope(t, codec.FormatJSON, TypeChannelJoin, map[string]any{"conversationId": 42})

	_, err := Decode(env)
	require.Error(t, err)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, CodeInvalidPayload, pe.Code)
}

func TestDecode_AllClientTypes(t *testing.T) {
	for name := range decoders {
		t.Run(name, func(t *testing.T) {
			ev, err := Decode(envelope(t, codec.FormatBinary, name, nil))
			require.NoError(t, err)
			assert.Equal(t, name, ev.EventType())
		})
	}
}

func TestAsError(t *testing.T) {
	assert.Equal(t, CodeForbidden, AsError(Errorf(CodeForbidden, "no")).Code)
	assert.Equal(t, CodeNotFound, AsError(fmt.Errorf("wrapped: %w", Errorf(CodeNotFound, "gone"))).Code)
	assert.Equal(t, CodeUnavailable, AsError(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeInternal, AsError(errors.New("boom")).Code)

	u := Unavailable(errors.New("db down"))
	assert.Equal(t, "service temporarily unavailable", u.Message)
	assert.ErrorContains(t, u, "db down")
}
