package cache

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/metrics"
	"github.com/whisper/gateway/internal/store"
)

// Fingerprint identifies the inputs an unread count was derived from: the
// conversation version and the reader's watermark in unix milliseconds.
type Fingerprint struct {
	Version   int64 `json:"v"`
	Watermark int64 `json:"w"`
}

type countEntry struct {
	Count       int         `json:"count"`
	Fingerprint Fingerprint `json:"fp"`
}

type totalEntry struct {
	Total  int                    `json:"total"`
	Inputs map[string]Fingerprint `json:"inputs"`
}

type prefsEntry struct {
	Settings  map[string]any `json:"settings"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Counters caches derived unread counts and preferences. Each entry carries
// the fingerprint of its inputs; a lookup with a different current
// fingerprint deletes the entry and misses.
type Counters struct {
	cache *Resilient
	ttl   time.Duration
	log   *zap.Logger
}

// NewCounters returns the counter family.
func NewCounters(c *Resilient, ttl time.Duration, log *zap.Logger) *Counters {
	if log == nil {
		log = zap.NewNop()
	}
	return &Counters{cache: c, ttl: ttl, log: log}
}

func unreadKey(identity, conversationID string) string {
	return FamilyUnread + ":" + identity + ":" + conversationID
}

func totalKey(identity string) string { return FamilyUnread + ":" + identity + ":total" }

func prefsKey(identity string) string { return FamilyPreferences + ":" + identity }

// Unread returns the cached count for (identity, conversation) if it was
// derived from fp.
func (c *Counters) Unread(ctx context.Context, identity, conversationID string, fp Fingerprint) (int, bool) {
	key := unreadKey(identity, conversationID)
	var e countEntry
	if !c.load(ctx, FamilyUnread, key, &e) {
		return 0, false
	}
	if e.Fingerprint != fp {
		c.stale(ctx, FamilyUnread, key)
		return 0, false
	}
	metrics.CacheLookups.WithLabelValues(FamilyUnread, "hit").Inc()
	return e.Count, true
}

func (c *Counters) PutUnread(ctx context.Context, identity, conversationID string, fp Fingerprint, count int) {
	c.store(ctx, unreadKey(identity, conversationID), countEntry{Count: count, Fingerprint: fp})
}

// Total returns the cached total if it was derived from exactly inputs.
func (c *Counters) Total(ctx context.Context, identity string, inputs map[string]Fingerprint) (int, bool) {
	key := totalKey(identity)
	var e totalEntry
	if !c.load(ctx, FamilyUnread, key, &e) {
		return 0, false
	}
	if !maps.Equal(e.Inputs, inputs) {
		c.stale(ctx, FamilyUnread, key)
		return 0, false
	}
	metrics.CacheLookups.WithLabelValues(FamilyUnread, "hit").Inc()
	return e.Total, true
}

func (c *Counters) PutTotal(ctx context.Context, identity string, inputs map[string]Fingerprint, total int) {
	c.store(ctx, totalKey(identity), totalEntry{Total: total, Inputs: inputs})
}

// Preferences returns the cached preferences if they are at version.
func (c *Counters) Preferences(ctx context.Context, identity string, version int64) (store.Preferences, bool) {
	key := prefsKey(identity)
	var e prefsEntry
	if !c.load(ctx, FamilyPreferences, key, &e) {
		return store.Preferences{}, false
	}
	if e.Version != version {
		c.stale(ctx, FamilyPreferences, key)
		return store.Preferences{}, false
	}
	metrics.CacheLookups.WithLabelValues(FamilyPreferences, "hit").Inc()
	if e.Settings == nil {
		e.Settings = map[string]any{}
	}
	return store.Preferences{UserID: identity, Settings: e.Settings, Version: e.Version, UpdatedAt: e.UpdatedAt}, true
}

func (c *Counters) PutPreferences(ctx context.Context, p store.Preferences) {
	c.store(ctx, prefsKey(p.UserID), prefsEntry{Settings: p.Settings, Version: p.Version, UpdatedAt: p.UpdatedAt})
}

// InvalidateUnread drops the per-conversation counters of identity for the
// given conversations together with its total.
func (c *Counters) InvalidateUnread(ctx context.Context, identity string, conversationIDs ...string) {
	keys := make([]string, 0, len(conversationIDs)+1)
	for _, conv := range conversationIDs {
		keys = append(keys, unreadKey(identity, conv))
	}
	keys = append(keys, totalKey(identity))
	c.cache.Delete(ctx, keys...)
	metrics.CacheInvalidations.WithLabelValues(FamilyUnread).Add(float64(len(keys)))
}

// InvalidateAllUnread drops every unread counter of identity.
func (c *Counters) InvalidateAllUnread(ctx context.Context, identity string) {
	c.cache.DeletePrefix(ctx, FamilyUnread+":"+identity+":")
	metrics.CacheInvalidations.WithLabelValues(FamilyUnread).Inc()
}

func (c *Counters) InvalidatePreferences(ctx context.Context, identity string) {
	c.cache.Delete(ctx, prefsKey(identity))
	metrics.CacheInvalidations.WithLabelValues(FamilyPreferences).Inc()
}

func (c *Counters) load(ctx context.Context, family, key string, v any) bool {
	raw, ok := c.cache.Get(ctx, key)
	if !ok {
		metrics.CacheLookups.WithLabelValues(family, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.cache.Delete(ctx, key)
		metrics.CacheLookups.WithLabelValues(family, "error").Inc()
		return false
	}
	return true
}

func (c *Counters) stale(ctx context.Context, family, key string) {
	metrics.CacheLookups.WithLabelValues(family, "stale").Inc()
	c.cache.Delete(ctx, key)
}

func (c *Counters) store(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("skipping unencodable cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	c.cache.Set(ctx, key, raw, c.ttl)
}
