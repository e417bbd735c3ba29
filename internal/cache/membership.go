package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/metrics"
	"github.com/whisper/gateway/internal/store"
)

const (
	userChannelsPrefix = FamilyChannels + ":user:"
	publicChannelsKey  = FamilyChannels + ":public"
)

// MembershipSource is the source-of-record slice the membership family
// validates against.
type MembershipSource interface {
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	PublicConversationIDs(ctx context.Context) ([]string, error)
	Conversations(ctx context.Context, ids []string) ([]store.Conversation, error)
}

// ChannelSummary is the cached view of one conversation.
type ChannelSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Channel is one entry of a user's channel list.
type Channel struct {
	ChannelSummary
	IsMember bool
}

type listEntry struct {
	Channels []ChannelSummary `json:"channels"`
	BuiltAt  int64            `json:"builtAt"`
}

func (e listEntry) ids() []string {
	ids := make([]string, len(e.Channels))
	for i, c := range e.Channels {
		ids[i] = c.ID
	}
	return ids
}

// Membership caches per-user and public channel lists. Every read re-queries
// the id sets from the source and only trusts cached entries whose ids agree.
type Membership struct {
	cache *Resilient
	src   MembershipSource
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

// NewMembership returns the membership family.
func NewMembership(c *Resilient, src MembershipSource, ttl time.Duration, log *zap.Logger) *Membership {
	if log == nil {
		log = zap.NewNop()
	}
	return &Membership{cache: c, src: src, ttl: ttl, log: log, now: time.Now}
}

func userChannelsKey(identity string) string { return userChannelsPrefix + identity }

// UserChannels returns the union of identity's conversations and the public
// ones, sorted by id. Cached entries are served only when their id sets match
// the source of record; when they already match nothing is written.
func (m *Membership) UserChannels(ctx context.Context, identity string) ([]Channel, error) {
	userIDs, err := m.src.ConversationIDsForUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("cache: user conversation ids: %w", err)
	}
	publicIDs, err := m.src.PublicConversationIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: public conversation ids: %w", err)
	}

	userKey := userChannelsKey(identity)
	user, userOK := m.lookup(ctx, userKey)
	public, publicOK := m.lookup(ctx, publicChannelsKey)

	if publicOK && !sameSet(public.ids(), publicIDs) {
		// The public list is shared by every user entry; clear the family.
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "stale").Inc()
		m.log.Debug("public channel list diverged from source, clearing family")
		m.cache.DeletePrefix(ctx, FamilyChannels+":")
		metrics.CacheInvalidations.WithLabelValues(FamilyChannels).Inc()
		publicOK, userOK = false, false
	}
	if userOK && !sameSet(user.ids(), userIDs) {
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "stale").Inc()
		m.log.Debug("user channel list diverged from source", zap.String("identity", identity))
		m.cache.Delete(ctx, userKey)
		metrics.CacheInvalidations.WithLabelValues(FamilyChannels).Inc()
		userOK = false
	}

	if userOK {
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "miss").Inc()
		if user, err = m.rebuild(ctx, userKey, userIDs); err != nil {
			return nil, err
		}
	}
	if publicOK {
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(FamilyChannels, "miss").Inc()
		if public, err = m.rebuild(ctx, publicChannelsKey, publicIDs); err != nil {
			return nil, err
		}
	}
	return union(user, public), nil
}

func (m *Membership) lookup(ctx context.Context, key string) (listEntry, bool) {
	raw, ok := m.cache.Get(ctx, key)
	if !ok {
		return listEntry{}, false
	}
	var e listEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		m.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		m.cache.Delete(ctx, key)
		return listEntry{}, false
	}
	return e, true
}

func (m *Membership) rebuild(ctx context.Context, key string, ids []string) (listEntry, error) {
	convs, err := m.src.Conversations(ctx, ids)
	if err != nil {
		return listEntry{}, fmt.Errorf("cache: load conversations: %w", err)
	}
	e := listEntry{Channels: make([]ChannelSummary, 0, len(convs)), BuiltAt: m.now().UnixMilli()}
	for _, c := range convs {
		e.Channels = append(e.Channels, ChannelSummary{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			IsPublic:    c.IsPublic,
			CreatedAt:   c.CreatedAt,
		})
	}
	raw, err := json.Marshal(e)
	if err == nil {
		m.cache.Set(ctx, key, raw, m.ttl)
	}
	return e, nil
}

// InvalidateUsers drops the cached lists of the given identities.
func (m *Membership) InvalidateUsers(ctx context.Context, identities ...string) {
	if len(identities) == 0 {
		return
	}
	keys := make([]string, len(identities))
	for i, id := range identities {
		keys[i] = userChannelsKey(id)
	}
	m.cache.Delete(ctx, keys...)
	metrics.CacheInvalidations.WithLabelValues(FamilyChannels).Add(float64(len(keys)))
}

// InvalidatePublic drops the shared public list.
func (m *Membership) InvalidatePublic(ctx context.Context) {
	m.cache.Delete(ctx, publicChannelsKey)
	metrics.CacheInvalidations.WithLabelValues(FamilyChannels).Inc()
}

// InvalidateAll clears the whole family.
func (m *Membership) InvalidateAll(ctx context.Context) {
	m.cache.DeletePrefix(ctx, FamilyChannels+":")
	metrics.CacheInvalidations.WithLabelValues(FamilyChannels).Inc()
}

func union(user, public listEntry) []Channel {
	out := make([]Channel, 0, len(user.Channels)+len(public.Channels))
	seen := make(map[string]bool, len(user.Channels))
	for _, c := range user.Channels {
		seen[c.ID] = true
		out = append(out, Channel{ChannelSummary: c, IsMember: true})
	}
	for _, c := range public.Channels {
		if !seen[c.ID] {
			out = append(out, Channel{ChannelSummary: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
