// Package chat implements the authenticated event handlers: channels,
// messages, reactions, typing, read receipts, preferences and presence.
//
// Every handler authorizes against the source of record before it mutates
// anything, invalidates the affected cache entries synchronously, and only
// then broadcasts. Errors are returned as *protocol.Error for the dispatcher
// to send back.
package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/cache"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/gateway"
	"github.com/whisper/gateway/internal/moderation"
	"github.com/whisper/gateway/internal/presence"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/ratelimit"
	"github.com/whisper/gateway/internal/store"
	gws "github.com/whisper/gateway/internal/ws"
)

// Broadcaster delivers a frame to a conversation's live members.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, frame *codec.Frame, exclude string) (gateway.DeliveryReport, error)
}

// Limiter throttles per-identity actions. A nil Limiter allows everything.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// PresenceLookup resolves presence for PRESENCE_FETCH.
type PresenceLookup interface {
	Lookup(ctx context.Context, identities []string) ([]presence.Status, error)
}

// Unread is the unread engine as seen by the handlers.
type Unread interface {
	Counts(ctx context.Context, identity string) (map[string]int, int, error)
	OnNewMessage(ctx context.Context, msg store.Message, members []string)
	OnMessageDeleted(ctx context.Context, msg store.Message, members []string)
	MarkRead(ctx context.Context, identity, conversationID string, at time.Time) (int, error)
	Forget(ctx context.Context, identity, conversationID string)
}

// Deps are the collaborators of a Service. Limiter and Filter may be nil.
type Deps struct {
	Store       store.Store
	Membership  *cache.Membership
	Counters    *cache.Counters
	Unread      Unread
	Broadcaster Broadcaster
	Presence    PresenceLookup
	Limiter     Limiter
	Filter      *moderation.Filter
}

type Service struct {
	Deps
	log *zap.Logger
	now func() time.Time

	// presence broadcasts run outside the connection that triggered them
	presenceTimeout time.Duration
}

func NewService(deps Deps, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Deps: deps, log: log, now: time.Now, presenceTimeout: 5 * time.Second}
}

// Register installs every handler on d.
func (s *Service) Register(d *gateway.Dispatcher) {
	d.Register(protocol.TypeChannelsFetch, s.channelsFetch)
	d.Register(protocol.TypeChannelJoin, s.channelJoin)
	d.Register(protocol.TypeChannelLeave, s.channelLeave)
	d.Register(protocol.TypeMessageSend, s.messageSend)
	d.Register(protocol.TypeMessageEdit, s.messageEdit)
	d.Register(protocol.TypeMessageDelete, s.messageDelete)
	d.Register(protocol.TypeReactionAdd, s.reactionAdd)
	d.Register(protocol.TypeReactionRemove, s.reactionRemove)
	d.Register(protocol.TypeTypingStart, s.typing)
	d.Register(protocol.TypeTypingStop, s.typing)
	d.Register(protocol.TypeMarkAsRead, s.markAsRead)
	d.Register(protocol.TypeUnreadFetch, s.unreadFetch)
	d.Register(protocol.TypePreferencesFetch, s.preferencesFetch)
	d.Register(protocol.TypePreferencesUpdate, s.preferencesUpdate)
	d.Register(protocol.TypePresenceFetch, s.presenceFetch)
}

// OnPresenceChange tells every conversation of the identity about the
// transition. It returns immediately; the broadcasts run in the background.
func (s *Service) OnPresenceChange(st presence.Status) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.presenceTimeout)
		defer cancel()
		s.broadcastPresence(ctx, st)
	}()
}

func (s *Service) broadcastPresence(ctx context.Context, st presence.Status) {
	convs, err := s.Store.ConversationIDsForUser(ctx, st.Identity)
	if err != nil {
		s.log.Warn("presence fanout: list conversations", zap.String("identity", st.Identity), zap.Error(err))
		return
	}
	frame := codec.NewFrame(protocol.TypePresence, protocol.PresenceMsg{
		Statuses: []protocol.PresenceStatus{statusOf(st)},
	})
	for _, conv := range convs {
		if _, err := s.Broadcaster.Broadcast(ctx, conv, frame, st.Identity); err != nil {
			if errors.Is(err, gateway.ErrShuttingDown) {
				return
			}
			s.log.Warn("presence fanout failed", zap.String("conversation", conv), zap.Error(err))
		}
	}
}

func statusOf(st presence.Status) protocol.PresenceStatus {
	return protocol.PresenceStatus{Identity: st.Identity, Online: st.Online(), LastSeen: st.LastSeen}
}

// broadcast sends frame to conversationID. A partial or failed fanout is
// logged; the mutation that caused it has already been committed.
func (s *Service) broadcast(ctx context.Context, conversationID string, frame *codec.Frame, exclude string) {
	report, err := s.Broadcaster.Broadcast(ctx, conversationID, frame, exclude)
	if err != nil {
		s.log.Warn("broadcast failed",
			zap.String("conversation", conversationID),
			zap.String("event", frame.Type),
			zap.Error(err))
		return
	}
	if report.Failed > 0 {
		s.log.Info("broadcast partially failed",
			zap.String("conversation", conversationID),
			zap.String("event", frame.Type),
			zap.Int("failed", report.Failed))
	}
}

func (s *Service) reply(c *gws.Connection, eventType string, payload any) {
	if err := c.Send(codec.NewFrame(eventType, payload)); err != nil {
		s.log.Debug("reply failed", zap.String("conn", c.ID), zap.String("event", eventType), zap.Error(err))
	}
}

// requireMember fails with forbidden unless identity belongs to the
// conversation.
func (s *Service) requireMember(ctx context.Context, conversationID, identity string) error {
	ok, err := s.Store.IsMember(ctx, conversationID, identity)
	if err != nil {
		return storeError(err, "conversation")
	}
	if !ok {
		return protocol.Errorf(protocol.CodeForbidden, "not a member of this conversation")
	}
	return nil
}

func (s *Service) allow(ctx context.Context, identity string, rule ratelimit.Rule) error {
	if s.Limiter == nil {
		return nil
	}
	ok, _ := s.Limiter.Allow(ctx, identity, rule)
	if ok {
		return nil
	}
	retry := s.Limiter.RetryAfter(ctx, identity, rule)
	return protocol.Errorf(protocol.CodeRateLimited, "rate limited, retry in %s", retry.Round(time.Second))
}

func (s *Service) screen(text string) error {
	if err := ValidateMessage(text); err != nil {
		return err
	}
	if s.Filter == nil {
		return nil
	}
	if r := s.Filter.Check(text); r.Blocked {
		return invalid("message rejected: %s", r.Reason)
	}
	return nil
}

// storeError maps a source-of-record failure to the client error.
func storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.CodeNotFound, "%s not found", what)
	}
	return protocol.Unavailable(err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
