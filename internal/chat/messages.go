package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/ratelimit"
	"github.com/whisper/gateway/internal/store"
	gws "github.com/whisper/gateway/internal/ws"
)

func messageOf(m store.Message) protocol.Message {
	out := protocol.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		ReplyTo:        m.ReplyTo,
		CreatedAt:      millis(m.CreatedAt),
	}
	if m.EditedAt != nil {
		out.EditedAt = millis(*m.EditedAt)
	}
	return out
}

func (s *Service) messageSend(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.MessageSend)
	if err := validateID("conversationId", req.ConversationID); err != nil {
		return err
	}
	if err := s.screen(req.Content); err != nil {
		return err
	}
	id := c.Identity()
	if err := s.allow(ctx, id, ratelimit.RuleMessage); err != nil {
		return err
	}
	if err := s.requireMember(ctx, req.ConversationID, id); err != nil {
		return err
	}
	if req.ReplyTo != "" {
		parent, err := s.Store.GetMessage(ctx, req.ReplyTo)
		if err != nil {
			return storeError(err, "reply target")
		}
		if parent.ConversationID != req.ConversationID {
			return invalid("reply target is in another conversation")
		}
	}

	msg, err := s.Store.CreateMessage(ctx, store.Message{
		ConversationID: req.ConversationID,
		AuthorID:       id,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		return storeError(err, "conversation")
	}

	wire := messageOf(msg)
	s.broadcast(ctx, msg.ConversationID, codec.NewFrame(protocol.TypeMessageNew, wire), id)
	s.reply(c, protocol.TypeMessageAck, protocol.MessageAckMsg{ClientID: req.ClientID, Message: wire})
	s.refreshUnread(ctx, msg, false)
	return nil
}

func (s *Service) messageEdit(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.MessageEdit)
	if err := validateID("messageId", req.MessageID); err != nil {
		return err
	}
	if err := s.screen(req.Content); err != nil {
		return err
	}
	id := c.Identity()
	if _, err := s.ownMessage(ctx, req.MessageID, id); err != nil {
		return err
	}

	msg, err := s.Store.UpdateMessageContent(ctx, req.MessageID, req.Content, s.now())
	if err != nil {
		return storeError(err, "message")
	}
	wire := messageOf(msg)
	s.broadcast(ctx, msg.ConversationID, codec.NewFrame(protocol.TypeMessageUpdated, wire), id)
	s.reply(c, protocol.TypeMessageAck, protocol.MessageAckMsg{Message: wire})
	return nil
}

func (s *Service) messageDelete(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.MessageDelete)
	if err := validateID("messageId", req.MessageID); err != nil {
		return err
	}
	id := c.Identity()
	if _, err := s.ownMessage(ctx, req.MessageID, id); err != nil {
		return err
	}

	msg, err := s.Store.SoftDeleteMessage(ctx, req.MessageID, s.now())
	if err != nil {
		return storeError(err, "message")
	}
	payload := protocol.MessageDeletedMsg{ConversationID: msg.ConversationID, MessageID: msg.ID}
	s.broadcast(ctx, msg.ConversationID, codec.NewFrame(protocol.TypeMessageDeleted, payload), id)
	s.reply(c, protocol.TypeMessageDeleted, payload)
	s.refreshUnread(ctx, msg, true)
	return nil
}

// ownMessage loads a live message and checks identity wrote it.
func (s *Service) ownMessage(ctx context.Context, messageID, identity string) (store.Message, error) {
	msg, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, storeError(err, "message")
	}
	if msg.Deleted() {
		return store.Message{}, protocol.Errorf(protocol.CodeNotFound, "message not found")
	}
	if msg.AuthorID != identity {
		return store.Message{}, protocol.Errorf(protocol.CodeForbidden, "only the author can change a message")
	}
	return msg, nil
}

// refreshUnread runs the unread fanout for msg with a fresh member list. The
// author is never counted or pushed.
func (s *Service) refreshUnread(ctx context.Context, msg store.Message, deleted bool) {
	members, err := s.Store.MemberIDs(ctx, msg.ConversationID)
	if err != nil {
		s.log.Warn("unread fanout skipped", zap.String("conversation", msg.ConversationID), zap.Error(err))
		return
	}
	if deleted {
		s.Unread.OnMessageDeleted(ctx, msg, members)
		return
	}
	s.Unread.OnNewMessage(ctx, msg, members)
}

func (s *Service) reactionAdd(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.ReactionAdd)
	return s.react(ctx, c, req.MessageID, req.Emoji, true)
}

func (s *Service) reactionRemove(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.ReactionRemove)
	return s.react(ctx, c, req.MessageID, req.Emoji, false)
}

func (s *Service) react(ctx context.Context, c *gws.Connection, messageID, emoji string, add bool) error {
	if err := validateID("messageId", messageID); err != nil {
		return err
	}
	if err := validateEmoji(emoji); err != nil {
		return err
	}
	id := c.Identity()

	msg, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return storeError(err, "message")
	}
	if msg.Deleted() {
		return protocol.Errorf(protocol.CodeNotFound, "message not found")
	}
	if err := s.requireMember(ctx, msg.ConversationID, id); err != nil {
		return err
	}

	r := store.Reaction{MessageID: msg.ID, UserID: id, Emoji: emoji}
	eventType := protocol.TypeReactionAdded
	var changed bool
	if add {
		changed, err = s.Store.AddReaction(ctx, r)
	} else {
		eventType = protocol.TypeReactionRemoved
		changed, err = s.Store.RemoveReaction(ctx, r)
	}
	if err != nil {
		return storeError(err, "message")
	}

	payload := protocol.ReactionMsg{ConversationID: msg.ConversationID, MessageID: msg.ID, Identity: id, Emoji: emoji}
	if changed {
		s.broadcast(ctx, msg.ConversationID, codec.NewFrame(eventType, payload), id)
	}
	s.reply(c, eventType, payload)
	return nil
}

func (s *Service) typing(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	var conv string
	typing := false
	switch e := ev.(type) {
	case protocol.TypingStart:
		conv, typing = e.ConversationID, true
	case protocol.TypingStop:
		conv = e.ConversationID
	}
	if err := validateID("conversationId", conv); err != nil {
		return err
	}
	id := c.Identity()
	if err := s.allow(ctx, id, ratelimit.RuleTyping); err != nil {
		return err
	}
	if err := s.requireMember(ctx, conv, id); err != nil {
		return err
	}
	s.broadcast(ctx, conv, codec.NewFrame(protocol.TypeTyping, protocol.TypingMsg{
		ConversationID: conv,
		Identity:       id,
		Typing:         typing,
	}), id)
	return nil
}
