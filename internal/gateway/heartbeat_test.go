package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gws "github.com/whisper/gateway/internal/ws"
)

func TestMonitor(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second, Idle: 3 * time.Minute}

	t.Run("healthy connection is pinged", func(t *testing.T) {
		h := newHarness(t, defaultHandshakeConfig())
		c, raw := h.login(t, "u1")

		evicted := NewMonitor(cfg, h.registry, nil).Check()
		assert.Zero(t, evicted)
		assert.False(t, c.Closed())

		frames := raw.Frames(t)
		require.NotEmpty(t, frames)
		assert.Equal(t, ws.OpPing, frames[len(frames)-1].Header.OpCode)
	})

	t.Run("silent connection times out", func(t *testing.T) {
		h := newHarness(t, defaultHandshakeConfig())
		c, raw := h.login(t, "u1")

		later := time.Now().Add(cfg.Interval + cfg.Timeout + time.Second)
		evicted := NewMonitor(cfg, h.registry, nil).WithClock(func() time.Time { return later }).Check()
		assert.Equal(t, 1, evicted)

		code, reason, ok := raw.CloseFrame(t)
		require.True(t, ok)
		assert.Equal(t, ws.StatusGoingAway, code)
		assert.Equal(t, ReasonHeartbeatTimeout, reason)
		assert.True(t, c.Closed())
		assert.Nil(t, h.registry.Get("u1"))
	})

	t.Run("idle connection is evicted", func(t *testing.T) {
		h := newHarness(t, defaultHandshakeConfig())
		_, raw := h.login(t, "u1")

		later := time.Now().Add(cfg.Idle + time.Second)
		NewMonitor(cfg, h.registry, nil).WithClock(func() time.Time { return later }).Check()

		code, reason, ok := raw.CloseFrame(t)
		require.True(t, ok)
		assert.Equal(t, gws.StatusIdle, code)
		assert.Equal(t, ReasonIdle, reason)
	})

	t.Run("failed ping evicts", func(t *testing.T) {
		h := newHarness(t, defaultHandshakeConfig())
		c, raw := h.login(t, "u1")
		raw.FailWrites(errors.New("broken pipe"))

		evicted := NewMonitor(cfg, h.registry, nil).Check()
		assert.Equal(t, 1, evicted)
		assert.True(t, c.Closed())
		assert.Nil(t, h.registry.Get("u1"))
	})
}
