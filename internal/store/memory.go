package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store with the same semantics as Postgres. It backs
// STORE_DRIVER=memory and the tests of every package above the store.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]User
	conversations map[string]Conversation
	members       map[string]map[string]struct{} // conversation -> users
	messages      map[string]Message
	reactions     map[Reaction]struct{}
	receipts      map[[2]string]time.Time // (user, conversation)
	prefs         map[string]Preferences
	failure       error
	now           func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]User),
		conversations: make(map[string]Conversation),
		members:       make(map[string]map[string]struct{}),
		messages:      make(map[string]Message),
		reactions:     make(map[Reaction]struct{}),
		receipts:      make(map[[2]string]time.Time),
		prefs:         make(map[string]Preferences),
		now:           time.Now,
	}
}

// SetFailure makes every subsequent call return err until it is cleared with
// nil. It simulates an unreachable source of record.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

func (m *Memory) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Memory) fail() error {
	if m.failure != nil {
		return fmt.Errorf("store: %w", m.failure)
	}
	return nil
}

func (m *Memory) EnsureUser(_ context.Context, id string) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return User{}, false, err
	}
	if u, ok := m.users[id]; ok {
		return u, false, nil
	}
	u := User{ID: id, DisplayName: id, CreatedAt: m.stamp()}
	m.users[id] = u
	return u, true, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return User{}, err
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) SetPresence(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	u.LastSeenAt = at.UTC().Truncate(time.Microsecond)
	m.users[id] = u
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return Conversation{}, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Conversation{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := m.conversations[c.ID]; exists {
		return Conversation{}, fmt.Errorf("store: conversation %q already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.stamp()
	}
	c.Version = 0
	m.conversations[c.ID] = c
	m.members[c.ID] = make(map[string]struct{})
	return c, nil
}

func (m *Memory) Conversations(_ context.Context, ids []string) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if c, ok := m.conversations[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PublicConversationIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var ids []string
	for id, c := range m.conversations {
		if c.IsPublic {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) MemberIDs(_ context.Context, conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	set, ok := m.members[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	_, ok := m.members[conversationID][userID]
	return ok, nil
}

func (m *Memory) ConversationIDsForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var ids []string
	for conv, set := range m.members {
		if _, ok := set[userID]; ok {
			ids = append(ids, conv)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AddMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	set, ok := m.members[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := set[userID]; ok {
		return false, nil
	}
	set[userID] = struct{}{}
	return true, nil
}

func (m *Memory) RemoveMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	set := m.members[conversationID]
	if _, ok := set[userID]; !ok {
		return false, nil
	}
	delete(set, userID)
	return true, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Message{}, err
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.stamp()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
	msg.EditedAt, msg.DeletedAt = nil, nil
	m.messages[msg.ID] = msg
	c.Version++
	m.conversations[c.ID] = c
	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, id, content string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok || msg.Deleted() {
		return Message{}, ErrNotFound
	}
	edited := at.UTC().Truncate(time.Microsecond)
	msg.Content = content
	msg.EditedAt = &edited
	m.messages[id] = msg
	return msg, nil
}

func (m *Memory) SoftDeleteMessage(_ context.Context, id string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok || msg.Deleted() {
		return Message{}, ErrNotFound
	}
	deleted := at.UTC().Truncate(time.Microsecond)
	msg.DeletedAt = &deleted
	m.messages[id] = msg
	c := m.conversations[msg.ConversationID]
	c.Version++
	m.conversations[c.ID] = c
	return msg, nil
}

func (m *Memory) CountUnread(_ context.Context, conversationID, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.AuthorID != userID && !msg.Deleted() && msg.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AddReaction(_ context.Context, r Reaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	if _, ok := m.messages[r.MessageID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := m.reactions[r]; ok {
		return false, nil
	}
	m.reactions[r] = struct{}{}
	return true, nil
}

func (m *Memory) RemoveReaction(_ context.Context, r Reaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	if _, ok := m.reactions[r]; !ok {
		return false, nil
	}
	delete(m.reactions, r)
	return true, nil
}

func (m *Memory) ReadState(_ context.Context, userID, conversationID string) (ReadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return ReadState{}, err
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ReadState{}, ErrNotFound
	}
	return ReadState{
		ConversationID: conversationID,
		Version:        c.Version,
		LastReadAt:     m.receipts[[2]string{userID, conversationID}],
	}, nil
}

func (m *Memory) ReadStates(_ context.Context, userID string) ([]ReadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []ReadState
	for conv, set := range m.members {
		if _, ok := set[userID]; !ok {
			continue
		}
		out = append(out, ReadState{
			ConversationID: conv,
			Version:        m.conversations[conv].Version,
			LastReadAt:     m.receipts[[2]string{userID, conv}],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, userID, conversationID string, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return time.Time{}, err
	}
	if _, ok := m.conversations[conversationID]; !ok {
		return time.Time{}, ErrNotFound
	}
	key := [2]string{userID, conversationID}
	at = at.UTC().Truncate(time.Microsecond)
	if prev, ok := m.receipts[key]; ok && !at.After(prev) {
		return prev, nil
	}
	m.receipts[key] = at
	return at, nil
}

func (m *Memory) GetPreferences(_ context.Context, userID string) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return Preferences{}, err
	}
	p, ok := m.prefs[userID]
	if !ok {
		return Preferences{UserID: userID, Settings: map[string]any{}}, nil
	}
	p.Settings = maps.Clone(p.Settings)
	return p, nil
}

func (m *Memory) PreferencesVersion(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	return m.prefs[userID].Version, nil
}

func (m *Memory) UpdatePreferences(_ context.Context, userID string, settings map[string]any) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return Preferences{}, err
	}
	p, ok := m.prefs[userID]
	if !ok {
		p = Preferences{UserID: userID, Settings: map[string]any{}}
	}
	merged := maps.Clone(p.Settings)
	maps.Copy(merged, settings)
	p.Settings = merged
	p.Version++
	p.UpdatedAt = m.stamp()
	m.prefs[userID] = p
	p.Settings = maps.Clone(merged)
	return p, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail()
}

func (m *Memory) Close() error { return nil }
