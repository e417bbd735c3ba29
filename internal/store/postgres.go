package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) EnsureUser(ctx context.Context, id string) (User, bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return User{}, false, fmt.Errorf("store: ensure user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return User{}, false, fmt.Errorf("store: ensure user: %w", err)
	}
	u, err := p.GetUser(ctx, id)
	return u, n == 1, err
}

func (p *Postgres) GetUser(ctx context.Context, id string) (User, error) {
	const query = `
		SELECT id, display_name, online, last_seen_at, created_at
		FROM users WHERE id = $1`

	var (
		u        User
		lastSeen sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.Online, &lastSeen, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	if lastSeen.Valid {
		u.LastSeenAt = lastSeen.Time
	}
	return u, nil
}

func (p *Postgres) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET online = $2, last_seen_at = $3 WHERE id = $1`, id, online, at)
	if err != nil {
		return fmt.Errorf("store: set presence: %w", err)
	}
	return requireRow(res)
}

const conversationColumns = `id, name, description, is_public, COALESCE(created_by, ''), version, created_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.IsPublic, &c.CreatedBy, &c.Version, &c.CreatedAt)
	return c, err
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(p.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO conversations (id, name, description, is_public, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING ` + conversationColumns

	out, err := scanConversation(p.db.QueryRowContext(ctx, query, c.ID, c.Name, c.Description, c.IsPublic, c.CreatedBy))
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	return out, nil
}

func (p *Postgres) Conversations(ctx context.Context, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) PublicConversationIDs(ctx context.Context) ([]string, error) {
	return p.queryIDs(ctx, "public conversations",
		`SELECT id FROM conversations WHERE is_public ORDER BY id`)
}

func (p *Postgres) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("store: member ids: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return p.queryIDs(ctx, "member ids",
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
}

func (p *Postgres) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return ok, nil
}

func (p *Postgres) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return p.queryIDs(ctx, "user conversations",
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1 ORDER BY conversation_id`, userID)
}

func (p *Postgres) AddMember(ctx context.Context, conversationID, userID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, conversationID, userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("store: add member: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("store: remove member: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const messageColumns = `id, conversation_id, author_id, content, COALESCE(reply_to, ''), created_at, edited_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m               Message
		edited, deleted sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.ReplyTo, &m.CreatedAt, &edited, &deleted); err != nil {
		return Message{}, err
	}
	if edited.Valid {
		m.EditedAt = &edited.Time
	}
	if deleted.Valid {
		m.DeletedAt = &deleted.Time
	}
	return m, nil
}

// CreateMessage inserts the message and bumps the conversation version in one
// transaction.
func (p *Postgres) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var out Message
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		const insert = `
			INSERT INTO messages (id, conversation_id, author_id, content, reply_to, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
			RETURNING ` + messageColumns
		var err error
		out, err = scanMessage(tx.QueryRowContext(ctx, insert,
			m.ID, m.ConversationID, m.AuthorID, m.Content, m.ReplyTo, m.CreatedAt))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return ErrNotFound
			}
			return err
		}
		return bumpVersion(ctx, tx, m.ConversationID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("store: create message: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (p *Postgres) UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx, `
		UPDATE messages SET content = $2, edited_at = $3
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+messageColumns, id, content, at))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: update message: %w", err)
	}
	return m, nil
}

func (p *Postgres) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error) {
	var out Message
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = scanMessage(tx.QueryRowContext(ctx, `
			UPDATE messages SET deleted_at = $2
			WHERE id = $1 AND deleted_at IS NULL
			RETURNING `+messageColumns, id, at))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return bumpVersion(ctx, tx, out.ConversationID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("store: delete message: %w", err)
	}
	return out, nil
}

func (p *Postgres) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
		  AND author_id <> $2
		  AND deleted_at IS NULL
		  AND created_at > $3`

	var n int
	if err := p.db.QueryRowContext(ctx, query, conversationID, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count unread: %w", err)
	}
	return n, nil
}

func (p *Postgres) AddReaction(ctx context.Context, r Reaction) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("store: add reaction: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) RemoveReaction(ctx context.Context, r Reaction) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, fmt.Errorf("store: remove reaction: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) ReadState(ctx context.Context, userID, conversationID string) (ReadState, error) {
	const query = `
		SELECT c.id, c.version, r.last_read_at
		FROM conversations c
		LEFT JOIN read_receipts r ON r.conversation_id = c.id AND r.user_id = $1
		WHERE c.id = $2`

	rs, err := scanReadState(p.db.QueryRowContext(ctx, query, userID, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return ReadState{}, ErrNotFound
	}
	if err != nil {
		return ReadState{}, fmt.Errorf("store: read state: %w", err)
	}
	return rs, nil
}

func (p *Postgres) ReadStates(ctx context.Context, userID string) ([]ReadState, error) {
	const query = `
		SELECT c.id, c.version, r.last_read_at
		FROM conversation_members m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN read_receipts r ON r.conversation_id = m.conversation_id AND r.user_id = m.user_id
		WHERE m.user_id = $1
		ORDER BY c.id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: read states: %w", err)
	}
	defer rows.Close()

	var out []ReadState
	for rows.Next() {
		rs, err := scanReadState(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan read state: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func scanReadState(row interface{ Scan(...any) error }) (ReadState, error) {
	var (
		rs       ReadState
		lastRead sql.NullTime
	)
	if err := row.Scan(&rs.ConversationID, &rs.Version, &lastRead); err != nil {
		return ReadState{}, err
	}
	if lastRead.Valid {
		rs.LastReadAt = lastRead.Time
	}
	return rs, nil
}

func (p *Postgres) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) (time.Time, error) {
	const query = `
		INSERT INTO read_receipts (user_id, conversation_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET last_read_at = GREATEST(read_receipts.last_read_at, EXCLUDED.last_read_at)
		RETURNING last_read_at`

	var effective time.Time
	err := p.db.QueryRowContext(ctx, query, userID, conversationID, at).Scan(&effective)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("store: mark read: %w", err)
	}
	return effective, nil
}

func (p *Postgres) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	const query = `SELECT settings, version, updated_at FROM preferences WHERE user_id = $1`

	pref := Preferences{UserID: userID, Settings: map[string]any{}}
	var raw []byte
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&raw, &pref.Version, &pref.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pref, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("store: get preferences: %w", err)
	}
	if err := json.Unmarshal(raw, &pref.Settings); err != nil {
		return Preferences{}, fmt.Errorf("store: decode preferences: %w", err)
	}
	return pref, nil
}

func (p *Postgres) PreferencesVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT version FROM preferences WHERE user_id = $1), 0)`, userID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: preferences version: %w", err)
	}
	return v, nil
}

// UpdatePreferences merges settings into the stored document (JSONB ||).
func (p *Postgres) UpdatePreferences(ctx context.Context, userID string, settings map[string]any) (Preferences, error) {
	patch, err := json.Marshal(settings)
	if err != nil {
		return Preferences{}, fmt.Errorf("store: encode preferences: %w", err)
	}
	const query = `
		INSERT INTO preferences (user_id, settings, version, updated_at)
		VALUES ($1, $2::jsonb, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET settings = preferences.settings || EXCLUDED.settings,
		    version = preferences.version + 1,
		    updated_at = NOW()
		RETURNING settings, version, updated_at`

	pref := Preferences{UserID: userID}
	var raw []byte
	if err := p.db.QueryRowContext(ctx, query, userID, string(patch)).Scan(&raw, &pref.Version, &pref.UpdatedAt); err != nil {
		return Preferences{}, fmt.Errorf("store: update preferences: %w", err)
	}
	if err := json.Unmarshal(raw, &pref.Settings); err != nil {
		return Preferences{}, fmt.Errorf("store: decode preferences: %w", err)
	}
	return pref, nil
}

func (p *Postgres) queryIDs(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", what, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: %s: %w", what, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bumpVersion(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE conversations SET version = version + 1 WHERE id = $1`, conversationID)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
