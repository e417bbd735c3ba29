package unread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/cache"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/store"
)

var errOffline = errors.New("offline")

type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	sent   map[string][]protocol.UnreadUpdateMsg
}

func newPusher(online ...string) *fakePusher {
	p := &fakePusher{online: map[string]bool{}, sent: map[string][]protocol.UnreadUpdateMsg{}}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *fakePusher) Connected(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[identity]
}

func (p *fakePusher) Send(identity string, frame *codec.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[identity] {
		return errOffline
	}
	p.sent[identity] = append(p.sent[identity], frame.Payload.(protocol.UnreadUpdateMsg))
	return nil
}

func (p *fakePusher) updates(identity string) []protocol.UnreadUpdateMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[identity]
}

type fixture struct {
	store   *store.Memory
	backend *cache.Memory
	engine  *Engine
	pusher  *fakePusher
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	s := store.NewMemory()
	backend := cache.NewMemory(1000)
	counters := cache.NewCounters(cache.NewResilient(nil, backend, cache.ResilientConfig{}, nil), time.Minute, nil)
	p := newPusher(online...)
	return &fixture{store: s, backend: backend, engine: NewEngine(s, counters, p, nil), pusher: p}
}

func (f *fixture) conversation(t *testing.T, id string, members ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateConversation(ctx, store.Conversation{ID: id, Name: id})
	require.NoError(t, err)
	for _, m := range members {
		_, _, err := f.store.EnsureUser(ctx, m)
		require.NoError(t, err)
		_, err = f.store.AddMember(ctx, id, m)
		require.NoError(t, err)
	}
}

func (f *fixture) post(t *testing.T, conv, author, content string) store.Message {
	t.Helper()
	ctx := context.Background()
	msg, err := f.store.CreateMessage(ctx, store.Message{ConversationID: conv, AuthorID: author, Content: content})
	require.NoError(t, err)
	members, err := f.store.MemberIDs(ctx, conv)
	require.NoError(t, err)
	f.engine.OnNewMessage(ctx, msg, members)
	return msg
}

func TestEngine_CountsExcludeOwnAndDeletedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conversation(t, "c", "u1", "u2")

	f.post(t, "c", "u2", "one")
	gone := f.post(t, "c", "u2", "two")
	f.post(t, "c", "u1", "mine")

	n, err := f.engine.Count(ctx, "u1", "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.store.SoftDeleteMessage(ctx, gone.ID, time.Now())
	require.NoError(t, err)
	n, err = f.engine.Count(ctx, "u1", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a version bump invalidates the cached count")

	n, err = f.engine.Count(ctx, "u2", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_WatermarkFallsBackToLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conversation(t, "c", "u1", "u2")

	f.post(t, "c", "u2", "before")
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.store.SetPresence(ctx, "u1", false, time.Now()))
	time.Sleep(2 * time.Millisecond)
	f.post(t, "c", "u2", "after")

	n, err := f.engine.Count(ctx, "u1", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_TotalAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conversation(t, "a", "u1", "u2")
	f.conversation(t, "b", "u1", "u3")

	f.post(t, "a", "u2", "x")
	f.post(t, "b", "u3", "y")
	f.post(t, "b", "u3", "z")

	counts, total, err := f.engine.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, counts)
	assert.Equal(t, 3, total)

	got, err := f.engine.Total(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	f.post(t, "a", "u2", "w")
	got, err = f.engine.Total(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestEngine_NewMessagePushesToConnectedMembersOnly(t *testing.T) {
	f := newFixture(t, "u1", "u2")
	f.conversation(t, "c", "u1", "u2", "u3")

	f.post(t, "c", "u1", "hello")

	assert.Empty(t, f.pusher.updates("u1"), "the author gets no unread push")
	require.Len(t, f.pusher.updates("u2"), 1)
	assert.Equal(t, protocol.UnreadUpdateMsg{ConversationID: "c", Count: 1, Total: 1}, f.pusher.updates("u2")[0])
	assert.Empty(t, f.pusher.updates("u3"))

	// u3 sees the higher count on its next fetch.
	n, err := f.engine.Count(context.Background(), "u3", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// u1 reads in c and acknowledges: its count drops to zero and only u1 is told.
func TestEngine_MarkRead(t *testing.T) {
	f := newFixture(t, "u1", "u2")
	ctx := context.Background()
	f.conversation(t, "c", "u1", "u2")
	f.post(t, "c", "u2", "one")
	f.post(t, "c", "u2", "two")

	n, err := f.engine.Count(ctx, "u1", "c")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	before := len(f.pusher.updates("u2"))

	n, err = f.engine.MarkRead(ctx, "u1", "c", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	updates := f.pusher.updates("u1")
	require.NotEmpty(t, updates)
	assert.Equal(t, protocol.UnreadUpdateMsg{ConversationID: "c", Count: 0, Total: 0}, updates[len(updates)-1])
	assert.Len(t, f.pusher.updates("u2"), before)

	// Receipts never move backwards.
	n, err = f.engine.MarkRead(ctx, "u1", "c", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_MarkReadAtWireTimestamp(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()
	f.conversation(t, "c", "u1", "u2")

	base := time.UnixMilli(1_700_000_000_500)
	var read store.Message
	for i, at := range []time.Time{base.Add(300 * time.Microsecond), base.Add(time.Millisecond)} {
		msg, err := f.store.CreateMessage(ctx, store.Message{ConversationID: "c", AuthorID: "u2", Content: "m", CreatedAt: at})
		require.NoError(t, err)
		f.engine.OnNewMessage(ctx, msg, []string{"u1", "u2"})
		if i == 0 {
			read = msg
		}
	}

	n, err := f.engine.MarkRead(ctx, "u1", "c", time.UnixMilli(read.CreatedAt.UnixMilli()))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the message in the next millisecond stays unread")

	st, err := f.store.ReadState(ctx, "u1", "c")
	require.NoError(t, err)
	assert.False(t, read.CreatedAt.After(st.LastReadAt))
}

func TestEngine_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", "u1")
	f.store.SetFailure(errors.New("connection refused"))

	_, err := f.engine.Count(context.Background(), "u1", "c")
	assert.Error(t, err)
	_, err = f.engine.MarkRead(context.Background(), "u1", "c", time.Now())
	assert.Error(t, err)
}
