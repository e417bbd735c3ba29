package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
	gws "github.com/whisper/gateway/internal/ws"
)

func (s *Service) channelsFetch(ctx context.Context, c *gws.Connection, _ protocol.Event) error {
	id := c.Identity()
	channels, err := s.Membership.UserChannels(ctx, id)
	if err != nil {
		return storeError(err, "channels")
	}

	counts, _, err := s.Unread.Counts(ctx, id)
	if err != nil {
		// The list is still useful without badges.
		s.log.Warn("unread counts unavailable", zap.String("identity", id), zap.Error(err))
		counts = nil
	}

	out := make([]protocol.Channel, len(channels))
	for i, ch := range channels {
		out[i] = protocol.Channel{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			IsPublic:    ch.IsPublic,
			IsMember:    ch.IsMember,
			Unread:      counts[ch.ID],
			CreatedAt:   millis(ch.CreatedAt),
		}
	}
	s.reply(c, protocol.TypeChannels, protocol.ChannelsMsg{Channels: out})
	return nil
}

func (s *Service) channelJoin(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.ChannelJoin)
	if err := validateID("conversationId", req.ConversationID); err != nil {
		return err
	}
	id := c.Identity()

	conv, err := s.Store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return storeError(err, "conversation")
	}
	member, err := s.Store.IsMember(ctx, conv.ID, id)
	if err != nil {
		return storeError(err, "conversation")
	}
	if !conv.IsPublic && !member {
		return protocol.Errorf(protocol.CodeForbidden, "conversation is private")
	}

	added, err := s.Store.AddMember(ctx, conv.ID, id)
	if err != nil {
		return storeError(err, "conversation")
	}
	if added {
		s.Membership.InvalidateUsers(ctx, id)
		s.Membership.InvalidatePublic(ctx)
		s.Unread.Forget(ctx, id, conv.ID)
		s.broadcast(ctx, conv.ID, codec.NewFrame(protocol.TypeMemberJoined, protocol.MemberMsg{
			ConversationID: conv.ID,
			Identity:       id,
		}), id)
		s.log.Info("joined conversation", zap.String("identity", id), zap.String("conversation", conv.ID))
	}
	s.reply(c, protocol.TypeChannelJoined, protocol.ChannelMembershipMsg{ConversationID: conv.ID})
	return nil
}

func (s *Service) channelLeave(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.ChannelLeave)
	if err := validateID("conversationId", req.ConversationID); err != nil {
		return err
	}
	id := c.Identity()

	removed, err := s.Store.RemoveMember(ctx, req.ConversationID, id)
	if err != nil {
		return storeError(err, "conversation")
	}
	if !removed {
		return protocol.Errorf(protocol.CodeNotFound, "not a member of this conversation")
	}

	s.Membership.InvalidateUsers(ctx, id)
	s.Membership.InvalidatePublic(ctx)
	s.Unread.Forget(ctx, id, req.ConversationID)
	s.broadcast(ctx, req.ConversationID, codec.NewFrame(protocol.TypeMemberLeft, protocol.MemberMsg{
		ConversationID: req.ConversationID,
		Identity:       id,
	}), id)
	s.log.Info("left conversation", zap.String("identity", id), zap.String("conversation", req.ConversationID))

	s.reply(c, protocol.TypeChannelLeft, protocol.ChannelMembershipMsg{ConversationID: req.ConversationID})
	return nil
}
