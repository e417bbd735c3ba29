// Package protocol defines the gateway event vocabulary: event names, the
// closed set of client events, and the payloads the server sends back. Raw
// envelopes are turned into typed events exactly once, by Decode.
package protocol

import (
	"fmt"

	"github.com/whisper/gateway/internal/codec"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeAuthLogin         = "AUTH_LOGIN"
	TypePing              = "PING"
	TypeChannelsFetch     = "CHANNELS_FETCH"
	TypeChannelJoin       = "CHANNEL_JOIN"
	TypeChannelLeave      = "CHANNEL_LEAVE"
	TypeMessageSend       = "MESSAGE_SEND"
	TypeMessageEdit       = "MESSAGE_EDIT"
	TypeMessageDelete     = "MESSAGE_DELETE"
	TypeReactionAdd       = "REACTION_ADD"
	TypeReactionRemove    = "REACTION_REMOVE"
	TypeTypingStart       = "TYPING_START"
	TypeTypingStop        = "TYPING_STOP"
	TypeMarkAsRead        = "MARK_AS_READ"
	TypeUnreadFetch       = "UNREAD_FETCH"
	TypePreferencesFetch  = "PREFERENCES_FETCH"
	TypePreferencesUpdate = "PREFERENCES_UPDATE"
	TypePresenceFetch     = "PRESENCE_FETCH"
)

// Server -> Client events.
const (
	TypeChallenge       = "CHALLENGE"
	TypeAuthSuccess     = "AUTH_SUCCESS"
	TypeAuthFailure     = "AUTH_FAILURE"
	TypePong            = "PONG"
	TypeError           = "ERROR"
	TypeChannels        = "CHANNELS"
	TypeChannelJoined   = "CHANNEL_JOINED"
	TypeChannelLeft     = "CHANNEL_LEFT"
	TypeMemberJoined    = "MEMBER_JOINED"
	TypeMemberLeft      = "MEMBER_LEFT"
	TypeMessageAck      = "MESSAGE_ACK"
	TypeMessageNew      = "MESSAGE_NEW"
	TypeMessageUpdated  = "MESSAGE_UPDATED"
	TypeMessageDeleted  = "MESSAGE_DELETED"
	TypeReactionAdded   = "REACTION_ADDED"
	TypeReactionRemoved = "REACTION_REMOVED"
	TypeTyping          = "TYPING"
	TypeUnreadUpdate    = "UNREAD_UPDATE"
	TypeUnreadCounts    = "UNREAD_COUNTS"
	TypePreferences     = "PREFERENCES"
	TypePresence        = "PRESENCE"
)

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

// Event is one decoded client event. The set of implementations is closed:
// every known event name maps to exactly one struct below, and anything else
// decodes to Unknown.
type Event interface {
	EventType() string
	isEvent()
}

type AuthLogin struct {
	Identity   string `json:"identity"`
	Credential string `json:"credential"`
}

type Ping struct{}

type ChannelsFetch struct{}

type ChannelJoin struct {
	ConversationID string `json:"conversationId"`
}

type ChannelLeave struct {
	ConversationID string `json:"conversationId"`
}

type MessageSend struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

type MessageEdit struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type MessageDelete struct {
	MessageID string `json:"messageId"`
}

type ReactionAdd struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ReactionRemove struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

// MarkAsRead acknowledges everything in a conversation up to Timestamp (unix
// ms). A zero timestamp means "now".
type MarkAsRead struct {
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

type UnreadFetch struct{}

type PreferencesFetch struct{}

type PreferencesUpdate struct {
	Settings map[string]any `json:"settings"`
}

type PresenceFetch struct {
	Identities []string `json:"identities"`
}

// Unknown is any event whose name the gateway does not recognise.
type Unknown struct {
	Type string
}

func (AuthLogin) EventType() string         { return TypeAuthLogin }
func (Ping) EventType() string              { return TypePing }
func (ChannelsFetch) EventType() string     { return TypeChannelsFetch }
func (ChannelJoin) EventType() string       { return TypeChannelJoin }
func (ChannelLeave) EventType() string      { return TypeChannelLeave }
func (MessageSend) EventType() string       { return TypeMessageSend }
func (MessageEdit) EventType() string       { return TypeMessageEdit }
func (MessageDelete) EventType() string     { return TypeMessageDelete }
func (ReactionAdd) EventType() string       { return TypeReactionAdd }
func (ReactionRemove) EventType() string    { return TypeReactionRemove }
func (TypingStart) EventType() string       { return TypeTypingStart }
func (TypingStop) EventType() string        { return TypeTypingStop }
func (MarkAsRead) EventType() string        { return TypeMarkAsRead }
func (UnreadFetch) EventType() string       { return TypeUnreadFetch }
func (PreferencesFetch) EventType() string  { return TypePreferencesFetch }
func (PreferencesUpdate) EventType() string { return TypePreferencesUpdate }
func (PresenceFetch) EventType() string     { return TypePresenceFetch }
func (u Unknown) EventType() string         { return u.Type }

func (AuthLogin) isEvent()         {}
func (Ping) isEvent()              {}
func (ChannelsFetch) isEvent()     {}
func (ChannelJoin) isEvent()       {}
func (ChannelLeave) isEvent()      {}
func (MessageSend) isEvent()       {}
func (MessageEdit) isEvent()       {}
func (MessageDelete) isEvent()     {}
func (ReactionAdd) isEvent()       {}
func (ReactionRemove) isEvent()    {}
func (TypingStart) isEvent()       {}
func (TypingStop) isEvent()        {}
func (MarkAsRead) isEvent()        {}
func (UnreadFetch) isEvent()       {}
func (PreferencesFetch) isEvent()  {}
func (PreferencesUpdate) isEvent() {}
func (PresenceFetch) isEvent()     {}
func (Unknown) isEvent()           {}

// decodeAs decodes the payload into a fresh T.
func decodeAs[T Event](env codec.Envelope) (Event, error) {
	var v T
	if err := env.DecodePayload(&v); err != nil {
		return nil, err
	}
	return v, nil
}

var decoders = map[string]func(codec.Envelope) (Event, error){
	TypeAuthLogin:         decodeAs[AuthLogin],
	TypePing:              decodeAs[Ping],
	TypeChannelsFetch:     decodeAs[ChannelsFetch],
	TypeChannelJoin:       decodeAs[ChannelJoin],
	TypeChannelLeave:      decodeAs[ChannelLeave],
	TypeMessageSend:       decodeAs[MessageSend],
	TypeMessageEdit:       decodeAs[MessageEdit],
	TypeMessageDelete:     decodeAs[MessageDelete],
	TypeReactionAdd:       decodeAs[ReactionAdd],
	TypeReactionRemove:    decodeAs[ReactionRemove],
	TypeTypingStart:       decodeAs[TypingStart],
	TypeTypingStop:        decodeAs[TypingStop],
	TypeMarkAsRead:        decodeAs[MarkAsRead],
	TypeUnreadFetch:       decodeAs[UnreadFetch],
	TypePreferencesFetch:  decodeAs[PreferencesFetch],
	TypePreferencesUpdate: decodeAs[PreferencesUpdate],
	TypePresenceFetch:     decodeAs[PresenceFetch],
}

// Decode turns an envelope into a typed event. Unrecognised names are not an
// error: they decode to Unknown so the caller can answer with a typed error.
// A payload that does not fit the event's struct is an *Error with
// CodeInvalidPayload.
func Decode(env codec.Envelope) (Event, error) {
	dec, ok := decoders[env.Type]
	if !ok {
		return Unknown{Type: env.Type}, nil
	}
	ev, err := dec(env)
	if err != nil {
		return nil, Errorf(CodeInvalidPayload, "invalid %s payload", env.Type)
	}
	return ev, nil
}

// Known reports whether eventType is a client event the gateway understands.
func Known(eventType string) bool {
	_, ok := decoders[eventType]
	return ok
}

// ---------------------------------------------------------------------------
// Server payloads
// ---------------------------------------------------------------------------

// ChallengeMsg opens the handshake. Timeout is in seconds.
type ChallengeMsg struct {
	ConnectionID string `json:"connectionId"`
	Timeout      int    `json:"timeout"`
	ServerTime   int64  `json:"serverTime"`
}

// AuthSuccessMsg is the plain form of the AUTH_SUCCESS payload.
type AuthSuccessMsg struct {
	Identity     string  `json:"identity"`
	ConnectionID string  `json:"connectionId"`
	Profile      Profile `json:"profile"`
	NewProfile   bool    `json:"newProfile"`
	ServerTime   int64   `json:"serverTime"`
}

// SealedAuthSuccessMsg carries an AuthSuccessMsg encrypted for the client.
type SealedAuthSuccessMsg struct {
	Encrypted  bool   `json:"encrypted"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type AuthFailureMsg struct {
	Reason string `json:"reason"`
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"`
	LastSeenAt  int64  `json:"lastSeenAt,omitempty"`
}

type PongMsg struct {
	ServerTime int64 `json:"serverTime"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic"`
	IsMember    bool   `json:"isMember"`
	Unread      int    `json:"unread"`
	CreatedAt   int64  `json:"createdAt"`
}

type ChannelsMsg struct {
	Channels []Channel `json:"channels"`
}

type ChannelMembershipMsg struct {
	ConversationID string `json:"conversationId"`
}

type MemberMsg struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Content        string `json:"content"`
	ReplyTo        string `json:"replyTo,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	EditedAt       int64  `json:"editedAt,omitempty"`
}

type MessageAckMsg struct {
	ClientID string  `json:"clientId,omitempty"`
	Message  Message `json:"message"`
}

type MessageDeletedMsg struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReactionMsg struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Identity       string `json:"identity"`
	Emoji          string `json:"emoji"`
}

type TypingMsg struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
	Typing         bool   `json:"typing"`
}

type UnreadUpdateMsg struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
	Total          int    `json:"total"`
}

type UnreadCountsMsg struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

type PreferencesMsg struct {
	Settings  map[string]any `json:"settings"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`
}

type PresenceStatus struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type PresenceMsg struct {
	Statuses []PresenceStatus `json:"statuses"`
}

// String gives a short description of an event for logs.
func String(ev Event) string {
	return fmt.Sprintf("%s(%T)", ev.EventType(), ev)
}
