// Package cache is the gateway's derived-state cache. A Backend is a plain
// key/value store with TTLs (Redis or a bounded in-process LRU); Resilient
// selects between them and never returns an error; Membership and Counters
// are the two cache families, each validating entries against the source of
// record before trusting them.
package cache

import (
	"context"
	"strings"
	"time"
)

// Backend is the cache port. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	// Get reports ok=false on a miss; a miss is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and returns how many
	// were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Family names the key families. A key's family is its first segment.
const (
	FamilyChannels    = "channels"
	FamilyUnread      = "unread"
	FamilyPreferences = "prefs"
)

// Families lists every family the gateway writes.
var Families = []string{FamilyChannels, FamilyUnread, FamilyPreferences}

func familyOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
