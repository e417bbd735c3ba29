package chat

import (
	"context"
	"time"

	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/store"
	gws "github.com/whisper/gateway/internal/ws"
)

// markAsRead advances the receipt. The unread engine pushes the new count to
// the reader, so there is no separate reply.
func (s *Service) markAsRead(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.MarkAsRead)
	if err := validateID("conversationId", req.ConversationID); err != nil {
		return err
	}
	id := c.Identity()
	if err := s.requireMember(ctx, req.ConversationID, id); err != nil {
		return err
	}

	now := s.now()
	at := now
	if req.Timestamp > 0 {
		if t := time.UnixMilli(req.Timestamp); t.Before(now) {
			at = t
		}
	}
	if _, err := s.Unread.MarkRead(ctx, id, req.ConversationID, at); err != nil {
		return storeError(err, "conversation")
	}
	return nil
}

func (s *Service) unreadFetch(ctx context.Context, c *gws.Connection, _ protocol.Event) error {
	counts, total, err := s.Unread.Counts(ctx, c.Identity())
	if err != nil {
		return storeError(err, "unread counts")
	}
	s.reply(c, protocol.TypeUnreadCounts, protocol.UnreadCountsMsg{Total: total, Conversations: counts})
	return nil
}

func (s *Service) preferencesFetch(ctx context.Context, c *gws.Connection, _ protocol.Event) error {
	p, err := s.preferences(ctx, c.Identity())
	if err != nil {
		return err
	}
	s.reply(c, protocol.TypePreferences, preferencesOf(p))
	return nil
}

// preferences serves the cached document while its version is current.
func (s *Service) preferences(ctx context.Context, identity string) (store.Preferences, error) {
	version, err := s.Store.PreferencesVersion(ctx, identity)
	if err != nil {
		return store.Preferences{}, storeError(err, "preferences")
	}
	if p, ok := s.Counters.Preferences(ctx, identity, version); ok {
		return p, nil
	}
	p, err := s.Store.GetPreferences(ctx, identity)
	if err != nil {
		return store.Preferences{}, storeError(err, "preferences")
	}
	s.Counters.PutPreferences(ctx, p)
	return p, nil
}

func (s *Service) preferencesUpdate(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.PreferencesUpdate)
	if err := validateSettings(req.Settings); err != nil {
		return err
	}
	id := c.Identity()
	p, err := s.Store.UpdatePreferences(ctx, id, req.Settings)
	if err != nil {
		return storeError(err, "preferences")
	}
	s.Counters.InvalidatePreferences(ctx, id)
	s.Counters.PutPreferences(ctx, p)
	s.reply(c, protocol.TypePreferences, preferencesOf(p))
	return nil
}

func preferencesOf(p store.Preferences) protocol.PreferencesMsg {
	settings := p.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return protocol.PreferencesMsg{Settings: settings, UpdatedAt: millis(p.UpdatedAt)}
}

func (s *Service) presenceFetch(ctx context.Context, c *gws.Connection, ev protocol.Event) error {
	req := ev.(protocol.PresenceFetch)
	if len(req.Identities) == 0 {
		return invalid("identities are required")
	}
	if len(req.Identities) > MaxPresenceBatch {
		return invalid("at most %d identities per request", MaxPresenceBatch)
	}
	statuses, err := s.Presence.Lookup(ctx, req.Identities)
	if err != nil {
		return protocol.Unavailable(err)
	}
	out := make([]protocol.PresenceStatus, len(statuses))
	for i, st := range statuses {
		out[i] = statusOf(st)
	}
	s.reply(c, protocol.TypePresence, protocol.PresenceMsg{Statuses: out})
	return nil
}
