// Package store is the source of record for the gateway: users,
// conversations, memberships, messages, reactions, read receipts and
// preferences. Correctness-critical reads (membership at broadcast time,
// unread inputs) always go through a Store, never through the cache.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a durable profile. LastSeenAt is zero when the user has never
// disconnected.
type User struct {
	ID          string
	DisplayName string
	Online      bool
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Conversation is a channel with a member set. Version increases on every
// message insert or soft delete and fingerprints derived unread counters.
type Conversation struct {
	ID          string
	Name        string
	Description string
	IsPublic    bool
	CreatedBy   string
	Version     int64
	CreatedAt   time.Time
}

type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	ReplyTo        string
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
}

// ReadState is the unread input for one (identity, conversation) pair.
// LastReadAt is zero when no receipt exists.
type ReadState struct {
	ConversationID string
	Version        int64
	LastReadAt     time.Time
}

type Preferences struct {
	UserID    string
	Settings  map[string]any
	Version   int64
	UpdatedAt time.Time
}

type Users interface {
	// EnsureUser returns the profile for id, creating it on first use.
	EnsureUser(ctx context.Context, id string) (User, bool, error)
	GetUser(ctx context.Context, id string) (User, error)
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
}

type Conversations interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	// Conversations returns the conversations with the given ids, ordered by
	// id. Unknown ids are skipped.
	Conversations(ctx context.Context, ids []string) ([]Conversation, error)
	PublicConversationIDs(ctx context.Context) ([]string, error)
}

type Memberships interface {
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	AddMember(ctx context.Context, conversationID, userID string) (bool, error)
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)
}

type Messages interface {
	// CreateMessage persists m, assigning ID and CreatedAt when empty.
	CreateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error)
	// CountUnread counts live messages in the conversation created after since
	// and not authored by userID.
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)
}

type Reactions interface {
	AddReaction(ctx context.Context, r Reaction) (bool, error)
	RemoveReaction(ctx context.Context, r Reaction) (bool, error)
}

type ReadReceipts interface {
	ReadState(ctx context.Context, userID, conversationID string) (ReadState, error)
	// ReadStates returns the read state of every conversation userID belongs to.
	ReadStates(ctx context.Context, userID string) ([]ReadState, error)
	// MarkRead advances the receipt to at. Receipts never move backwards; the
	// effective watermark is returned.
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) (time.Time, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
	// PreferencesVersion is 0 until the first update.
	PreferencesVersion(ctx context.Context, userID string) (int64, error)
	UpdatePreferences(ctx context.Context, userID string, settings map[string]any) (Preferences, error)
}

// Store is the complete source of record.
type Store interface {
	Users
	Conversations
	Memberships
	Messages
	Reactions
	ReadReceipts
	PreferenceStore

	Ping(ctx context.Context) error
	Close() error
}
