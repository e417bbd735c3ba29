// Package presence tracks which identities are online. The live state is a
// Redis hash per identity, shared by every gateway node; the source of record
// keeps the durable online flag and last-seen time. Without Redis the live
// state is held in process.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/store"
)

const (
	// Prefix is the Redis key prefix for all presence hashes.
	Prefix = "presence:"

	// DefaultTTL bounds how long a hash outlives a node that died without
	// marking its identities offline.
	DefaultTTL = 1 * time.Hour

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Status is one identity's presence as stored in Redis.
type Status struct {
	Identity    string `redis:"identity"`
	Status      string `redis:"status"`       // online | offline
	Node        string `redis:"node"`         // gateway node holding the connection
	ConnID      string `redis:"conn_id"`      // connection that set the status
	ConnectedAt int64  `redis:"connected_at"` // unix ms
	LastSeen    int64  `redis:"last_seen"`    // unix ms
}

func (s Status) Online() bool { return s.Status == StatusOnline }

// Users is the slice of the source of record presence writes through to.
type Users interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
}

// offlineScript marks an identity offline unless a newer connection owns it.
var offlineScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'conn_id')
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'identity', ARGV[4], 'status', 'offline', 'conn_id', ARGV[1], 'last_seen', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Tracker records presence transitions.
type Tracker struct {
	client redis.Cmdable // nil: live state is kept in local
	users  Users
	node   string
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	local    map[string]Status
	onChange func(Status)
}

// NewTracker returns a tracker for node. client may be nil.
func NewTracker(client redis.Cmdable, users Users, node string, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		client: client,
		users:  users,
		node:   node,
		ttl:    DefaultTTL,
		log:    log.Named("presence"),
		now:    time.Now,
		local:  make(map[string]Status),
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// OnChange registers fn to run after every applied transition.
func (t *Tracker) OnChange(fn func(Status)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Online marks identity online on connID.
func (t *Tracker) Online(ctx context.Context, identity, connID string) error {
	now := t.now()
	st := Status{
		Identity:    identity,
		Status:      StatusOnline,
		Node:        t.node,
		ConnID:      connID,
		ConnectedAt: now.UnixMilli(),
		LastSeen:    now.UnixMilli(),
	}

	var errs []error
	if t.client != nil {
		key := Prefix + identity
		pipe := t.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, st)
		pipe.PExpire(ctx, key, t.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			errs = append(errs, fmt.Errorf("presence: online %s: %w", identity, err))
		}
	} else {
		t.mu.Lock()
		t.local[identity] = st
		t.mu.Unlock()
	}

	if err := t.users.SetPresence(ctx, identity, true, now); err != nil {
		errs = append(errs, fmt.Errorf("presence: persist online %s: %w", identity, err))
	}
	t.changed(st)
	return errors.Join(errs...)
}

// Offline marks identity offline if connID still owns its presence. It
// reports whether the transition was applied.
func (t *Tracker) Offline(ctx context.Context, identity, connID string) (bool, error) {
	now := t.now()
	st := Status{Identity: identity, Status: StatusOffline, ConnID: connID, LastSeen: now.UnixMilli()}

	if t.client != nil {
		applied, err := offlineScript.Run(ctx, t.client, []string{Prefix + identity},
			connID, strconv.FormatInt(st.LastSeen, 10), t.ttl.Milliseconds(), identity).Int()
		if err != nil {
			return false, fmt.Errorf("presence: offline %s: %w", identity, err)
		}
		if applied == 0 {
			return false, nil
		}
	} else {
		t.mu.Lock()
		cur, ok := t.local[identity]
		if ok && cur.ConnID != connID {
			t.mu.Unlock()
			return false, nil
		}
		t.local[identity] = st
		t.mu.Unlock()
	}

	if err := t.users.SetPresence(ctx, identity, false, now); err != nil {
		t.changed(st)
		return true, fmt.Errorf("presence: persist offline %s: %w", identity, err)
	}
	t.changed(st)
	return true, nil
}

func (t *Tracker) changed(st Status) {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Get returns identity's presence. Identities without live state report
// offline with the last-seen time from the source of record.
func (t *Tracker) Get(ctx context.Context, identity string) (Status, error) {
	statuses, err := t.Lookup(ctx, []string{identity})
	if err != nil {
		return Status{}, err
	}
	return statuses[0], nil
}

// Lookup returns the presence of each identity, in order.
func (t *Tracker) Lookup(ctx context.Context, identities []string) ([]Status, error) {
	out := make([]Status, len(identities))

	if t.client != nil {
		pipe := t.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(identities))
		for i, id := range identities {
			cmds[i] = pipe.HGetAll(ctx, Prefix+id)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("presence: lookup: %w", err)
		}
		for i, cmd := range cmds {
			if err := cmd.Scan(&out[i]); err != nil {
				return nil, fmt.Errorf("presence: scan %s: %w", identities[i], err)
			}
		}
	} else {
		t.mu.Lock()
		for i, id := range identities {
			out[i] = t.local[id]
		}
		t.mu.Unlock()
	}

	for i, id := range identities {
		if out[i].Identity != "" {
			continue
		}
		out[i] = Status{Identity: id, Status: StatusOffline}
		u, err := t.users.GetUser(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("presence: load %s: %w", id, err)
		default:
			if !u.LastSeenAt.IsZero() {
				out[i].LastSeen = u.LastSeenAt.UnixMilli()
			}
		}
	}
	return out, nil
}
