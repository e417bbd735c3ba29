// Package unread derives per-conversation unread counts and pushes changes
// to connected readers.
//
// A count is the number of live messages in a conversation created after the
// reader's watermark and not written by the reader. The watermark is the
// reader's last read receipt, else their last-seen time, else the epoch.
// Counts are cached with the fingerprint of their inputs; writes invalidate
// eagerly and recompute only for readers connected to this node.
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/cache"
	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/protocol"
	"github.com/whisper/gateway/internal/store"
)

// Source is the slice of the source of record the engine reads.
type Source interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	ReadState(ctx context.Context, userID, conversationID string) (store.ReadState, error)
	ReadStates(ctx context.Context, userID string) ([]store.ReadState, error)
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) (time.Time, error)
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)
}

// Pusher delivers frames to identities connected to this node.
type Pusher interface {
	Connected(identity string) bool
	Send(identity string, frame *codec.Frame) error
}

type Engine struct {
	src      Source
	counters *cache.Counters
	push     Pusher
	log      *zap.Logger
}

func NewEngine(src Source, counters *cache.Counters, push Pusher, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{src: src, counters: counters, push: push, log: log}
}

// Count returns identity's unread count in conversationID.
func (e *Engine) Count(ctx context.Context, identity, conversationID string) (int, error) {
	lastSeen, err := e.lastSeen(ctx, identity)
	if err != nil {
		return 0, err
	}
	st, err := e.src.ReadState(ctx, identity, conversationID)
	if err != nil {
		return 0, fmt.Errorf("unread: read state %s/%s: %w", identity, conversationID, err)
	}
	n, _, err := e.count(ctx, identity, st, lastSeen)
	return n, err
}

// Total returns identity's unread count across all its conversations.
func (e *Engine) Total(ctx context.Context, identity string) (int, error) {
	return e.total(ctx, identity)
}

// Counts returns the unread count of every conversation identity belongs to,
// and their sum.
func (e *Engine) Counts(ctx context.Context, identity string) (map[string]int, int, error) {
	lastSeen, err := e.lastSeen(ctx, identity)
	if err != nil {
		return nil, 0, err
	}
	states, err := e.src.ReadStates(ctx, identity)
	if err != nil {
		return nil, 0, fmt.Errorf("unread: read states %s: %w", identity, err)
	}

	counts := make(map[string]int, len(states))
	inputs := make(map[string]cache.Fingerprint, len(states))
	total := 0
	for _, st := range states {
		n, fp, err := e.count(ctx, identity, st, lastSeen)
		if err != nil {
			return nil, 0, err
		}
		counts[st.ConversationID] = n
		inputs[st.ConversationID] = fp
		total += n
	}

	if cached, ok := e.counters.Total(ctx, identity, inputs); !ok || cached != total {
		e.counters.PutTotal(ctx, identity, inputs, total)
	}
	return counts, total, nil
}

// total serves the cached total when its inputs are unchanged and falls back
// to summing the per-conversation counts.
func (e *Engine) total(ctx context.Context, identity string) (int, error) {
	lastSeen, err := e.lastSeen(ctx, identity)
	if err != nil {
		return 0, err
	}
	states, err := e.src.ReadStates(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("unread: read states %s: %w", identity, err)
	}
	inputs := make(map[string]cache.Fingerprint, len(states))
	for _, st := range states {
		inputs[st.ConversationID] = fingerprint(st, lastSeen)
	}
	if n, ok := e.counters.Total(ctx, identity, inputs); ok {
		return n, nil
	}
	_, total, err := e.Counts(ctx, identity)
	return total, err
}

func (e *Engine) count(ctx context.Context, identity string, st store.ReadState, lastSeen time.Time) (int, cache.Fingerprint, error) {
	fp := fingerprint(st, lastSeen)
	if n, ok := e.counters.Unread(ctx, identity, st.ConversationID, fp); ok {
		return n, fp, nil
	}
	n, err := e.src.CountUnread(ctx, st.ConversationID, identity, watermark(st, lastSeen))
	if err != nil {
		return 0, fp, fmt.Errorf("unread: count %s/%s: %w", identity, st.ConversationID, err)
	}
	e.counters.PutUnread(ctx, identity, st.ConversationID, fp, n)
	return n, fp, nil
}

// OnNewMessage refreshes the counters of every member but the author after
// msg was stored.
func (e *Engine) OnNewMessage(ctx context.Context, msg store.Message, members []string) {
	e.refresh(ctx, msg, members)
}

// OnMessageDeleted refreshes the counters of every member but the author
// after msg was soft-deleted.
func (e *Engine) OnMessageDeleted(ctx context.Context, msg store.Message, members []string) {
	e.refresh(ctx, msg, members)
}

func (e *Engine) refresh(ctx context.Context, msg store.Message, members []string) {
	for _, id := range members {
		if id == msg.AuthorID {
			continue
		}
		e.counters.InvalidateUnread(ctx, id, msg.ConversationID)
	}
	for _, id := range members {
		if id == msg.AuthorID || !e.push.Connected(id) {
			continue
		}
		if err := e.pushUpdate(ctx, id, msg.ConversationID); err != nil {
			e.log.Warn("unread push failed",
				zap.String("identity", id),
				zap.String("conversation", msg.ConversationID),
				zap.Error(err))
		}
	}
}

// MarkRead advances identity's receipt in conversationID to at and pushes the
// recomputed count to identity alone. It returns the new count.
func (e *Engine) MarkRead(ctx context.Context, identity, conversationID string, at time.Time) (int, error) {
	if _, err := e.src.MarkRead(ctx, identity, conversationID, readThrough(at)); err != nil {
		return 0, fmt.Errorf("unread: mark read %s/%s: %w", identity, conversationID, err)
	}
	e.counters.InvalidateUnread(ctx, identity, conversationID)

	msg, err := e.update(ctx, identity, conversationID)
	if err != nil {
		return 0, err
	}
	if err := e.push.Send(identity, codec.NewFrame(protocol.TypeUnreadUpdate, msg)); err != nil {
		e.log.Debug("unread push skipped", zap.String("identity", identity), zap.Error(err))
	}
	return msg.Count, nil
}

// readThrough widens at to the last microsecond of its millisecond. Clients
// only see millisecond createdAt values, so an ack carrying a message's own
// timestamp has to cover the sub-millisecond part the store kept.
func readThrough(at time.Time) time.Time {
	return at.Truncate(time.Millisecond).Add(time.Millisecond - time.Microsecond)
}

// Forget drops identity's counters for conversationID, after a leave.
func (e *Engine) Forget(ctx context.Context, identity, conversationID string) {
	e.counters.InvalidateUnread(ctx, identity, conversationID)
}

func (e *Engine) pushUpdate(ctx context.Context, identity, conversationID string) error {
	msg, err := e.update(ctx, identity, conversationID)
	if err != nil {
		return err
	}
	return e.push.Send(identity, codec.NewFrame(protocol.TypeUnreadUpdate, msg))
}

func (e *Engine) update(ctx context.Context, identity, conversationID string) (protocol.UnreadUpdateMsg, error) {
	n, err := e.Count(ctx, identity, conversationID)
	if err != nil {
		return protocol.UnreadUpdateMsg{}, err
	}
	total, err := e.total(ctx, identity)
	if err != nil {
		return protocol.UnreadUpdateMsg{}, err
	}
	return protocol.UnreadUpdateMsg{ConversationID: conversationID, Count: n, Total: total}, nil
}

func (e *Engine) lastSeen(ctx context.Context, identity string) (time.Time, error) {
	u, err := e.src.GetUser(ctx, identity)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, fmt.Errorf("unread: load %s: %w", identity, err)
	}
	return u.LastSeenAt, nil
}

func watermark(st store.ReadState, lastSeen time.Time) time.Time {
	switch {
	case !st.LastReadAt.IsZero():
		return st.LastReadAt
	case !lastSeen.IsZero():
		return lastSeen
	default:
		return time.Unix(0, 0)
	}
}

func fingerprint(st store.ReadState, lastSeen time.Time) cache.Fingerprint {
	return cache.Fingerprint{Version: st.Version, Watermark: watermark(st, lastSeen).UnixMilli()}
}
