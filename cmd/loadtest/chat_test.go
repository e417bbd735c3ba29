package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/moderation"
)

func TestContentCarriesSendTime(t *testing.T) {
	at := time.Unix(1700000000, 123456789)

	for _, size := range []int{0, 16, 128, 1024} {
		c := content(at, size)
		got, ok := sentAt(c)
		require.True(t, ok, "size %d", size)
		assert.True(t, got.Equal(at))
		assert.GreaterOrEqual(t, len(c), size-1)
	}

	_, ok := sentAt("hello")
	assert.False(t, ok)
	_, ok = sentAt("lt:notanumber:x")
	assert.False(t, ok)
}

func TestContentPassesFloodChecks(t *testing.T) {
	f := moderation.NewFilter(nil)
	r := f.Check(content(time.Now(), 512))
	assert.False(t, r.Blocked, r.Reason)
}

func TestRampInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, rampInterval(time.Second, 10))
	assert.Equal(t, time.Millisecond, rampInterval(0, 10))
	assert.Equal(t, time.Millisecond, rampInterval(time.Second, 0))
}
