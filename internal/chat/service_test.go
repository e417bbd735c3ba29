package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/cache"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/gateway"
	"github.com/whisper/gateway/internal/moderation"
	"github.com/whisper/gateway/internal/presence"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/ratelimit"
	"github.com/whisper/gateway/internal/store"
	"github.com/whisper/gateway/internal/unread"
	gws "github.com/whisper/gateway/internal/ws"
	"github.com/whisper/gateway/internal/ws/wstest"
)

type denyLimiter struct{ rule string }

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != d.rule, nil
}

func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 7 * time.Second
}

type fixture struct {
	store      *store.Memory
	registry   *gateway.Registry
	dispatcher *gateway.Dispatcher
	tracker    *presence.Tracker
	service    *Service
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	s := store.NewMemory()
	registry := gateway.NewRegistry(nil, time.Second, nil)
	resilient := cache.NewResilient(nil, cache.NewMemory(1000), cache.ResilientConfig{}, nil)
	counters := cache.NewCounters(resilient, time.Minute, nil)
	tracker := presence.NewTracker(nil, s, "node-a", nil)

	deps := Deps{
		Store:       s,
		Membership:  cache.NewMembership(resilient, s, time.Minute, nil),
		Counters:    counters,
		Unread:      unread.NewEngine(s, counters, registry, nil),
		Broadcaster: gateway.NewBroadcaster(s, registry, time.Second, nil),
		Presence:    tracker,
	}
	for _, m := range mutate {
		m(&deps)
	}
	svc := NewService(deps, nil)
	d := gateway.NewDispatcher(time.Second, nil)
	svc.Register(d)
	return &fixture{store: s, registry: registry, dispatcher: d, tracker: tracker, service: svc}
}

// connect registers an authenticated connection for identity.
func (f *fixture) connect(t *testing.T, identity string) (*gws.Connection, *wstest.Conn) {
	t.Helper()
	_, _, err := f.store.EnsureUser(context.Background(), identity)
	require.NoError(t, err)
	raw := wstest.NewConn()
	c := gws.NewConnection(raw, gws.ConnConfig{DefaultFormat: codec.FormatJSON})
	require.True(t, c.SetIdentity(identity))
	f.registry.Register(identity, c)
	return c, raw
}

func (f *fixture) send(t *testing.T, c *gws.Connection, eventType string, payload any) {
	t.Helper()
	data, err := codec.Encode(codec.FormatJSON, eventType, payload, codec.NowMillis())
	require.NoError(t, err)
	env, err := codec.DefaultChain().Decode(data)
	require.NoError(t, err)
	f.dispatcher.Dispatch(c, env)
}

func (f *fixture) conversation(t *testing.T, id string, public bool, members ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateConversation(ctx, store.Conversation{ID: id, Name: "#" + id, IsPublic: public})
	require.NoError(t, err)
	for _, m := range members {
		_, _, err := f.store.EnsureUser(ctx, m)
		require.NoError(t, err)
		_, err = f.store.AddMember(ctx, id, m)
		require.NoError(t, err)
	}
}

func errorCode(t *testing.T, raw *wstest.Conn) string {
	t.Helper()
	var msg protocol.ErrorMsg
	raw.Last(t, protocol.TypeError, &msg)
	return msg.Code
}

// u1 posts in c with members {u1, u2, u3} while u3 is offline.
func TestMessageSend(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2", "u3")
	c1, raw1 := f.connect(t, "u1")
	_, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "hello", ClientID: "tmp-1"})

	var ack protocol.MessageAckMsg
	raw1.Last(t, protocol.TypeMessageAck, &ack)
	assert.Equal(t, "tmp-1", ack.ClientID)
	assert.Equal(t, "hello", ack.Message.Content)
	assert.NotEmpty(t, ack.Message.ID)
	assert.Zero(t, raw1.Count(t, protocol.TypeMessageNew))
	assert.Zero(t, raw1.Count(t, protocol.TypeUnreadUpdate))

	var got protocol.Message
	raw2.Last(t, protocol.TypeMessageNew, &got)
	assert.Equal(t, ack.Message.ID, got.ID)
	assert.Equal(t, "u1", got.AuthorID)

	var upd protocol.UnreadUpdateMsg
	raw2.Last(t, protocol.TypeUnreadUpdate, &upd)
	assert.Equal(t, protocol.UnreadUpdateMsg{ConversationID: "c", Count: 1, Total: 1}, upd)
}

func TestMessageSend_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		deps   func(*Deps)
		sender string
		req    protocol.MessageSend
		code   string
	}{
		{
			name:   "not a member",
			sender: "outsider",
			req:    protocol.MessageSend{ConversationID: "c", Content: "hi"},
			code:   protocol.CodeForbidden,
		},
		{
			name:   "empty content",
			sender: "u1",
			req:    protocol.MessageSend{ConversationID: "c", Content: "   "},
			code:   protocol.CodeInvalidPayload,
		},
		{
			name:   "missing conversation id",
			sender: "u1",
			req:    protocol.MessageSend{Content: "hi"},
			code:   protocol.CodeInvalidPayload,
		},
		{
			name:   "rate limited",
			deps:   func(d *Deps) { d.Limiter = denyLimiter{rule: ratelimit.RuleMessage.Key} },
			sender: "u1",
			req:    protocol.MessageSend{ConversationID: "c", Content: "hi"},
			code:   protocol.CodeRateLimited,
		},
		{
			name:   "blocked content",
			deps:   func(d *Deps) { d.Filter = moderation.NewFilter([]string{"forbidden"}) },
			sender: "u1",
			req:    protocol.MessageSend{ConversationID: "c", Content: "a forbidden word"},
			code:   protocol.CodeInvalidPayload,
		},
		{
			name:   "reply to unknown message",
			sender: "u1",
			req:    protocol.MessageSend{ConversationID: "c", Content: "hi", ReplyTo: "nope"},
			code:   protocol.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Deps)
			if tt.deps != nil {
				mutate = append(mutate, tt.deps)
			}
			f := newFixture(t, mutate...)
			f.conversation(t, "c", false, "u1", "u2")
			_, raw2 := f.connect(t, "u2")
			c, raw := f.connect(t, tt.sender)

			f.send(t, c, protocol.TypeMessageSend, tt.req)

			assert.Equal(t, tt.code, errorCode(t, raw))
			assert.Zero(t, raw2.Count(t, protocol.TypeMessageNew))
			n, err := f.store.CountUnread(context.Background(), "c", "u2", time.Time{})
			require.NoError(t, err)
			assert.Zero(t, n, "nothing was stored")
		})
	}
}

func TestMessageSend_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1")
	c, raw := f.connect(t, "u1")
	f.store.SetFailure(errors.New("connection refused"))

	f.send(t, c, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "hi"})
	assert.Equal(t, protocol.CodeUnavailable, errorCode(t, raw))
	assert.False(t, c.Closed())
}

func TestMessageEditAndDelete(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	c2, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "frist"})
	var ack protocol.MessageAckMsg
	raw1.Last(t, protocol.TypeMessageAck, &ack)

	f.send(t, c2, protocol.TypeMessageEdit, protocol.MessageEdit{MessageID: ack.Message.ID, Content: "mine now"})
	assert.Equal(t, protocol.CodeForbidden, errorCode(t, raw2))

	f.send(t, c1, protocol.TypeMessageEdit, protocol.MessageEdit{MessageID: ack.Message.ID, Content: "first"})
	var updated protocol.Message
	raw2.Last(t, protocol.TypeMessageUpdated, &updated)
	assert.Equal(t, "first", updated.Content)
	assert.NotZero(t, updated.EditedAt)

	f.send(t, c1, protocol.TypeMessageDelete, protocol.MessageDelete{MessageID: ack.Message.ID})
	var deleted protocol.MessageDeletedMsg
	raw2.Last(t, protocol.TypeMessageDeleted, &deleted)
	assert.Equal(t, ack.Message.ID, deleted.MessageID)
	assert.Equal(t, 1, raw1.Count(t, protocol.TypeMessageDeleted))

	var upd protocol.UnreadUpdateMsg
	raw2.Last(t, protocol.TypeUnreadUpdate, &upd)
	assert.Zero(t, upd.Count, "the deleted message no longer counts")

	raw1.Reset()
	f.send(t, c1, protocol.TypeMessageDelete, protocol.MessageDelete{MessageID: ack.Message.ID})
	assert.Equal(t, protocol.CodeNotFound, errorCode(t, raw1))
}

func TestChannels(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "general", true, "u2")
	f.conversation(t, "secret", false, "u2")
	c1, raw1 := f.connect(t, "u1")
	_, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeChannelJoin, protocol.ChannelJoin{ConversationID: "secret"})
	assert.Equal(t, protocol.CodeForbidden, errorCode(t, raw1))

	f.send(t, c1, protocol.TypeChannelJoin, protocol.ChannelJoin{ConversationID: "missing"})
	assert.Equal(t, protocol.CodeNotFound, errorCode(t, raw1))

	f.send(t, c1, protocol.TypeChannelsFetch, nil)
	var list protocol.ChannelsMsg
	raw1.Last(t, protocol.TypeChannels, &list)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, "general", list.Channels[0].ID)
	assert.False(t, list.Channels[0].IsMember)

	f.send(t, c1, protocol.TypeChannelJoin, protocol.ChannelJoin{ConversationID: "general"})
	var joined protocol.ChannelMembershipMsg
	raw1.Last(t, protocol.TypeChannelJoined, &joined)
	assert.Equal(t, "general", joined.ConversationID)
	var member protocol.MemberMsg
	raw2.Last(t, protocol.TypeMemberJoined, &member)
	assert.Equal(t, protocol.MemberMsg{ConversationID: "general", Identity: "u1"}, member)

	f.send(t, c1, protocol.TypeChannelsFetch, nil)
	raw1.Last(t, protocol.TypeChannels, &list)
	require.Len(t, list.Channels, 1)
	assert.True(t, list.Channels[0].IsMember)

	f.send(t, c1, protocol.TypeChannelLeave, protocol.ChannelLeave{ConversationID: "general"})
	raw1.Last(t, protocol.TypeChannelLeft, nil)
	raw2.Last(t, protocol.TypeMemberLeft, &member)
	assert.Equal(t, "u1", member.Identity)

	f.send(t, c1, protocol.TypeChannelLeave, protocol.ChannelLeave{ConversationID: "general"})
	assert.Equal(t, protocol.CodeNotFound, errorCode(t, raw1))
}

// A member removed behind the cache's back disappears from the next fetch.
func TestChannels_RemovalDetectedOnFetch(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u2")
	c2, raw2 := f.connect(t, "u2")

	f.send(t, c2, protocol.TypeChannelsFetch, nil)
	var list protocol.ChannelsMsg
	raw2.Last(t, protocol.TypeChannels, &list)
	require.Len(t, list.Channels, 1)

	_, err := f.store.RemoveMember(context.Background(), "c", "u2")
	require.NoError(t, err)

	f.send(t, c2, protocol.TypeChannelsFetch, nil)
	raw2.Last(t, protocol.TypeChannels, &list)
	assert.Empty(t, list.Channels)
}

func TestChannels_IncludeUnreadCounts(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, _ := f.connect(t, "u1")
	c2, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "one"})
	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "two"})

	f.send(t, c2, protocol.TypeChannelsFetch, nil)
	var list protocol.ChannelsMsg
	raw2.Last(t, protocol.TypeChannels, &list)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, 2, list.Channels[0].Unread)
}

func TestReactions(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	c2, raw2 := f.connect(t, "u2")
	outsider, rawOut := f.connect(t, "u3")

	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "ship it?"})
	var ack protocol.MessageAckMsg
	raw1.Last(t, protocol.TypeMessageAck, &ack)

	f.send(t, c2, protocol.TypeReactionAdd, protocol.ReactionAdd{MessageID: ack.Message.ID, Emoji: "👍"})
	var r protocol.ReactionMsg
	raw1.Last(t, protocol.TypeReactionAdded, &r)
	assert.Equal(t, protocol.ReactionMsg{ConversationID: "c", MessageID: ack.Message.ID, Identity: "u2", Emoji: "👍"}, r)
	assert.Equal(t, 1, raw2.Count(t, protocol.TypeReactionAdded), "the actor gets its ack")

	// Adding twice does not broadcast again.
	f.send(t, c2, protocol.TypeReactionAdd, protocol.ReactionAdd{MessageID: ack.Message.ID, Emoji: "👍"})
	assert.Equal(t, 1, raw1.Count(t, protocol.TypeReactionAdded))

	f.send(t, c2, protocol.TypeReactionRemove, protocol.ReactionRemove{MessageID: ack.Message.ID, Emoji: "👍"})
	raw1.Last(t, protocol.TypeReactionRemoved, nil)

	f.send(t, outsider, protocol.TypeReactionAdd, protocol.ReactionAdd{MessageID: ack.Message.ID, Emoji: "👎"})
	assert.Equal(t, protocol.CodeForbidden, errorCode(t, rawOut))

	f.send(t, c2, protocol.TypeReactionAdd, protocol.ReactionAdd{MessageID: ack.Message.ID, Emoji: ""})
	assert.Equal(t, protocol.CodeInvalidPayload, errorCode(t, raw2))
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	_, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeTypingStart, protocol.TypingStart{ConversationID: "c"})
	var msg protocol.TypingMsg
	raw2.Last(t, protocol.TypeTyping, &msg)
	assert.Equal(t, protocol.TypingMsg{ConversationID: "c", Identity: "u1", Typing: true}, msg)

	f.send(t, c1, protocol.TypeTypingStop, protocol.TypingStop{ConversationID: "c"})
	raw2.Last(t, protocol.TypeTyping, &msg)
	assert.False(t, msg.Typing)
	assert.Zero(t, raw1.Count(t, protocol.TypeTyping))
}

func TestTyping_RateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = denyLimiter{rule: ratelimit.RuleTyping.Key} })
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	_, raw2 := f.connect(t, "u2")

	f.send(t, c1, protocol.TypeTypingStart, protocol.TypingStart{ConversationID: "c"})
	assert.Equal(t, protocol.CodeRateLimited, errorCode(t, raw1))
	assert.Zero(t, raw2.Count(t, protocol.TypeTyping))

	// Messages use their own budget.
	f.send(t, c1, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "hi"})
	raw2.Last(t, protocol.TypeMessageNew, nil)
}

// u1 reads c and acknowledges: the count drops to zero and only u1 is told.
func TestMarkAsRead(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	c2, raw2 := f.connect(t, "u2")

	f.send(t, c2, protocol.TypeMessageSend, protocol.MessageSend{ConversationID: "c", Content: "standup?"})
	var upd protocol.UnreadUpdateMsg
	raw1.Last(t, protocol.TypeUnreadUpdate, &upd)
	require.Equal(t, 1, upd.Count)
	raw2.Reset()

	f.send(t, c1, protocol.TypeMarkAsRead, protocol.MarkAsRead{ConversationID: "c"})
	raw1.Last(t, protocol.TypeUnreadUpdate, &upd)
	assert.Equal(t, protocol.UnreadUpdateMsg{ConversationID: "c", Count: 0, Total: 0}, upd)
	assert.Zero(t, raw2.Count(t, protocol.TypeUnreadUpdate))

	f.send(t, c1, protocol.TypeUnreadFetch, nil)
	var counts protocol.UnreadCountsMsg
	raw1.Last(t, protocol.TypeUnreadCounts, &counts)
	assert.Zero(t, counts.Total)
	assert.Equal(t, map[string]int{"c": 0}, counts.Conversations)

	outsider, rawOut := f.connect(t, "u3")
	f.send(t, outsider, protocol.TypeMarkAsRead, protocol.MarkAsRead{ConversationID: "c"})
	assert.Equal(t, protocol.CodeForbidden, errorCode(t, rawOut))
}

func TestPreferences(t *testing.T) {
	f := newFixture(t)
	c, raw := f.connect(t, "u1")

	f.send(t, c, protocol.TypePreferencesFetch, nil)
	var prefs protocol.PreferencesMsg
	raw.Last(t, protocol.TypePreferences, &prefs)
	assert.Empty(t, prefs.Settings)

	f.send(t, c, protocol.TypePreferencesUpdate, protocol.PreferencesUpdate{Settings: map[string]any{"theme": "dark"}})
	raw.Last(t, protocol.TypePreferences, &prefs)
	assert.Equal(t, "dark", prefs.Settings["theme"])

	f.send(t, c, protocol.TypePreferencesUpdate, protocol.PreferencesUpdate{Settings: map[string]any{"sound": false}})
	f.send(t, c, protocol.TypePreferencesFetch, nil)
	raw.Last(t, protocol.TypePreferences, &prefs)
	assert.Equal(t, "dark", prefs.Settings["theme"])
	assert.Equal(t, false, prefs.Settings["sound"])
	assert.NotZero(t, prefs.UpdatedAt)

	f.send(t, c, protocol.TypePreferencesUpdate, protocol.PreferencesUpdate{})
	assert.Equal(t, protocol.CodeInvalidPayload, errorCode(t, raw))
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c", false, "u1", "u2")
	c1, raw1 := f.connect(t, "u1")
	_, raw2 := f.connect(t, "u2")
	f.tracker.OnChange(f.service.OnPresenceChange)

	require.NoError(t, f.tracker.Online(context.Background(), "u1", c1.ID))

	require.Eventually(t, func() bool { return raw2.Count(t, protocol.TypePresence) > 0 }, time.Second, 5*time.Millisecond)
	var change protocol.PresenceMsg
	raw2.Last(t, protocol.TypePresence, &change)
	require.Len(t, change.Statuses, 1)
	assert.Equal(t, "u1", change.Statuses[0].Identity)
	assert.True(t, change.Statuses[0].Online)

	f.send(t, c1, protocol.TypePresenceFetch, protocol.PresenceFetch{Identities: []string{"u1", "u2"}})
	var fetched protocol.PresenceMsg
	raw1.Last(t, protocol.TypePresence, &fetched)
	require.Len(t, fetched.Statuses, 2)
	assert.True(t, fetched.Statuses[0].Online)
	assert.False(t, fetched.Statuses[1].Online)

	f.send(t, c1, protocol.TypePresenceFetch, protocol.PresenceFetch{})
	assert.Equal(t, protocol.CodeInvalidPayload, errorCode(t, raw1))
}
