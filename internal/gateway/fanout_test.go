package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
	gws "github.com/whisper/gateway/internal/ws"
)

type recordingDeliveries struct {
	mu         sync.Mutex
	recipients [][]string
}

func (r *recordingDeliveries) PublishDelivery(recipients []string, _ *codec.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = append(r.recipients, recipients)
	return nil
}

func messageFrame(conv, author, content string) *codec.Frame {
	return codec.NewFrame(protocol.TypeMessageNew, protocol.Message{
		ID:             "m1",
		ConversationID: conv,
		AuthorID:       author,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
	})
}

// u1 posts in c with members {u1, u2, u3} while u3 is offline.
func TestBroadcast_DeliversToLiveMembers(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1", "u2", "u3")
	_, raw1 := h.login(t, "u1")
	_, raw2 := h.login(t, "u2")

	b := NewBroadcaster(h.store, h.registry, time.Second, nil)
	report, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hello"), "u1")
	require.NoError(t, err)

	assert.Equal(t, DeliveryReport{Membership: 3, Attempted: 2, Delivered: 1, Offline: 1}, report)

	var msg protocol.Message
	raw2.Last(t, protocol.TypeMessageNew, &msg)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "u1", msg.AuthorID)
	assert.Zero(t, raw1.Count(t, protocol.TypeMessageNew))
}

// Membership is read at broadcast time, so a member removed a moment ago
// receives nothing.
func TestBroadcast_UsesFreshMembership(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1", "u2")
	_, raw2 := h.login(t, "u2")
	b := NewBroadcaster(h.store, h.registry, time.Second, nil)

	_, err := h.store.RemoveMember(context.Background(), "c", "u2")
	require.NoError(t, err)

	report, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hi"), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Membership)
	assert.Zero(t, report.Attempted)
	assert.Zero(t, raw2.Count(t, protocol.TypeMessageNew))
}

func TestBroadcast_FailedWriteEvictsAndContinues(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1", "u2", "u3")
	c2, raw2 := h.login(t, "u2")
	_, raw3 := h.login(t, "u3")
	raw2.FailWrites(errors.New("broken pipe"))

	b := NewBroadcaster(h.store, h.registry, time.Second, nil)
	report, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hi"), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Delivered)
	assert.True(t, c2.Closed())
	assert.Nil(t, h.registry.Get("u2"))
	assert.Equal(t, 1, raw3.Count(t, protocol.TypeMessageNew))
}

// A peer that never reads blocks the write until the deadline; it is
// evicted and the remaining members still get the frame.
func TestBroadcast_SlowPeerHitsWriteTimeout(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1", "u2", "u3")
	_, raw3 := h.login(t, "u3")

	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	slow := gws.NewConnection(server, gws.ConnConfig{
		WriteTimeout:  100 * time.Millisecond,
		DefaultFormat: codec.FormatJSON,
		OnClose:       h.gateway.OnClose,
	})
	require.True(t, slow.SetIdentity("u2"))
	h.registry.Register("u2", slow)

	b := NewBroadcaster(h.store, h.registry, time.Second, nil)
	start := time.Now()
	report, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hi"), "u1")
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, DeliveryReport{Membership: 3, Attempted: 2, Delivered: 1, Failed: 1}, report)
	assert.True(t, slow.Closed())
	assert.Nil(t, h.registry.Get("u2"))
	assert.Equal(t, 1, raw3.Count(t, protocol.TypeMessageNew))
	assert.Less(t, elapsed, time.Second, "one slow peer must not stall the fanout")
}

func TestBroadcast_RelaysOfflineMembers(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1", "u2", "u3")
	h.login(t, "u2")

	relay := &recordingDeliveries{}
	b := NewBroadcaster(h.store, h.registry, time.Second, nil)
	b.SetRelay(relay)

	report, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hi"), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Relayed)
	require.Len(t, relay.recipients, 1)
	assert.Equal(t, []string{"u3"}, relay.recipients[0])
}

func TestBroadcast_DeliverLocal(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	_, raw := h.login(t, "u2")
	b := NewBroadcaster(h.store, h.registry, time.Second, nil)

	n := b.DeliverLocal([]string{"u2", "u9"}, messageFrame("c", "u1", "relayed"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, raw.Count(t, protocol.TypeMessageNew))
}

func TestBroadcast_StoreFailure(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1")
	h.store.SetFailure(errors.New("connection refused"))

	b := NewBroadcaster(h.store, h.registry, time.Second, nil)
	_, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "hi"), "u1")
	assert.Error(t, err)
}

func TestBroadcast_DrainRejectsNewBroadcasts(t *testing.T) {
	h := newHarness(t, defaultHandshakeConfig())
	h.conversation(t, "c", false, "u1")
	b := NewBroadcaster(h.store, h.registry, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))

	_, err := b.Broadcast(context.Background(), "c", messageFrame("c", "u1", "late"), "")
	assert.ErrorIs(t, err, ErrShuttingDown)
}
