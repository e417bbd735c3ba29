package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/store"
)

// flakyBackend wraps a Memory, counts writes and fails every call while down
// or when the call's context has ended, as a network client would.
type flakyBackend struct {
	*Memory
	mu      sync.Mutex
	down    bool
	sets    int
	deletes int
}

func newFlaky() *flakyBackend { return &flakyBackend{Memory: NewMemory(100)} }

var errDown = errors.New("dial tcp: connection refused")

func (f *flakyBackend) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyBackend) writes() (sets, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets, f.deletes
}

func (f *flakyBackend) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	return nil
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.check(ctx); err != nil {
		return nil, false, err
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.sets++
	f.mu.Unlock()
	return f.Memory.Set(ctx, key, value, ttl)
}

func (f *flakyBackend) Delete(ctx context.Context, keys ...string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return f.Memory.Delete(ctx, keys...)
}

func (f *flakyBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := f.check(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return f.Memory.DeletePrefix(ctx, prefix)
}

func (f *flakyBackend) Ping(ctx context.Context) error { return f.check(ctx) }

func newResilient(external Backend) *Resilient {
	return NewResilient(external, NewMemory(100), ResilientConfig{OpTimeout: time.Second}, nil)
}

func TestMemory_TTLAndLRU(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMemory(2)
	m.WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, ok, _ := m.Get(ctx, "a") // a becomes most recent
	require.True(t, ok)
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	assert.Equal(t, 2, m.Len())

	now = now.Add(2 * time.Minute)
	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok, "expired entry should miss")
	v, ok, _ := m.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, "3", string(v))
}

func TestMemory_DeletePrefix(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()
	m.Set(ctx, "unread:u1:c1", nil, 0)
	m.Set(ctx, "unread:u1:total", nil, 0)
	m.Set(ctx, "unread:u10:c1", nil, 0)

	n, err := m.DeletePrefix(ctx, "unread:u1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok, _ := m.Get(ctx, "unread:u10:c1")
	assert.True(t, ok)
}

func TestResilient_DegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	ext := newFlaky()
	r := newResilient(ext)

	r.Set(ctx, "channels:public", []byte("v1"), time.Minute)
	r.Set(ctx, "prefs:u1", []byte("p1"), time.Minute)
	assert.Equal(t, "flaky", r.Mode())

	ext.setDown(true)
	_, ok := r.Get(ctx, "channels:public")
	assert.False(t, ok, "a failed read degrades to a clean miss")
	assert.True(t, r.Degraded())
	assert.Equal(t, "memory", r.Mode())

	// Writes while degraded land in the fallback and are served from there.
	r.Set(ctx, "channels:public", []byte("v2"), time.Minute)
	v, ok := r.Get(ctx, "channels:public")
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	// An invalidation the external store never sees.
	r.Delete(ctx, "prefs:u1")

	assert.False(t, r.Recheck(ctx), "still down")

	ext.setDown(false)
	require.True(t, r.Recheck(ctx))
	assert.False(t, r.Degraded())

	_, ok = r.Get(ctx, "prefs:u1")
	assert.False(t, ok, "entry invalidated during the outage must not resurrect")
	_, ok = r.Get(ctx, "channels:public")
	assert.False(t, ok, "families are wiped before the external store is trusted")
}

func TestResilient_CallerCancellationDoesNotDegrade(t *testing.T) {
	ext := newFlaky()
	r := newResilient(ext)
	r.Set(context.Background(), "prefs:u1", []byte("p1"), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := r.Get(ctx, "prefs:u1")
	assert.False(t, ok)
	r.Set(ctx, "prefs:u2", []byte("p2"), time.Minute)
	assert.False(t, r.Degraded())
	assert.Equal(t, "flaky", r.Mode())

	_, deletesBefore := ext.writes()
	r.Delete(ctx, "prefs:u1")
	_, deletes := ext.writes()
	assert.Equal(t, deletesBefore+1, deletes, "invalidations outlive the caller's context")
	_, ok = r.Get(context.Background(), "prefs:u1")
	assert.False(t, ok)
	assert.False(t, r.Degraded())
}

func TestResilient_WithoutExternal(t *testing.T) {
	r := newResilient(nil)
	ctx := context.Background()
	r.Set(ctx, "k", []byte("v"), time.Minute)
	v, ok := r.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
	assert.False(t, r.Degraded())
	assert.False(t, r.Recheck(ctx))
}

func seedMembership(t *testing.T) (*store.Memory, store.Conversation, store.Conversation) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	for _, u := range []string{"U1", "U2"} {
		_, _, err := s.EnsureUser(ctx, u)
		require.NoError(t, err)
	}
	c, err := s.CreateConversation(ctx, store.Conversation{ID: "C", Name: "private"})
	require.NoError(t, err)
	pub, err := s.CreateConversation(ctx, store.Conversation{ID: "P", Name: "lobby", IsPublic: true})
	require.NoError(t, err)
	for _, u := range []string{"U1", "U2"} {
		_, err = s.AddMember(ctx, c.ID, u)
		require.NoError(t, err)
	}
	return s, c, pub
}

func channelIDs(chs []Channel) []string {
	ids := make([]string, len(chs))
	for i, c := range chs {
		ids[i] = c.ID
	}
	return ids
}

func TestMembership_UnionAndMemberFlag(t *testing.T) {
	s, _, _ := seedMembership(t)
	m := NewMembership(newResilient(newFlaky()), s, time.Minute, nil)

	chs, err := m.UserChannels(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, []string{"C", "P"}, channelIDs(chs))
	assert.True(t, chs[0].IsMember)
	assert.False(t, chs[1].IsMember)
}

func TestMembership_RemovedMemberIsDetected(t *testing.T) {
	ctx := context.Background()
	s, c, _ := seedMembership(t)
	m := NewMembership(newResilient(newFlaky()), s, time.Minute, nil)

	chs, err := m.UserChannels(ctx, "U2")
	require.NoError(t, err)
	require.Contains(t, channelIDs(chs), "C")

	// Removed at the source without any invalidation reaching the cache.
	_, err = s.RemoveMember(ctx, c.ID, "U2")
	require.NoError(t, err)

	chs, err = m.UserChannels(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, []string{"P"}, channelIDs(chs))
}

func TestMembership_AgreementWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, _, _ := seedMembership(t)
	ext := newFlaky()
	m := NewMembership(newResilient(ext), s, time.Minute, nil)

	first, err := m.UserChannels(ctx, "U1")
	require.NoError(t, err)
	sets, deletes := ext.writes()

	for i := 0; i < 3; i++ {
		again, err := m.UserChannels(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	s2, d2 := ext.writes()
	assert.Equal(t, sets, s2, "validated entries must not be rewritten")
	assert.Equal(t, deletes, d2, "validated entries must not be invalidated")
}

func TestMembership_PublicMismatchClearsFamily(t *testing.T) {
	ctx := context.Background()
	s, _, _ := seedMembership(t)
	ext := newFlaky()
	m := NewMembership(newResilient(ext), s, time.Minute, nil)

	_, err := m.UserChannels(ctx, "U1")
	require.NoError(t, err)
	_, err = m.UserChannels(ctx, "U2")
	require.NoError(t, err)

	_, err = s.CreateConversation(ctx, store.Conversation{ID: "Q", Name: "news", IsPublic: true})
	require.NoError(t, err)

	chs, err := m.UserChannels(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "P", "Q"}, channelIDs(chs))

	_, ok, _ := ext.Memory.Get(ctx, userChannelsKey("U2"))
	assert.False(t, ok, "every user entry is dropped with the public list")
}

func TestMembership_SourceFailure(t *testing.T) {
	s, _, _ := seedMembership(t)
	m := NewMembership(newResilient(nil), s, time.Minute, nil)
	s.SetFailure(errDown)

	_, err := m.UserChannels(context.Background(), "U1")
	assert.ErrorIs(t, err, errDown)
}

func TestCounters_Fingerprints(t *testing.T) {
	ctx := context.Background()
	c := NewCounters(newResilient(newFlaky()), time.Minute, nil)
	fp := Fingerprint{Version: 3, Watermark: 1000}

	c.PutUnread(ctx, "U1", "C", fp, 4)
	n, ok := c.Unread(ctx, "U1", "C", fp)
	require.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = c.Unread(ctx, "U1", "C", Fingerprint{Version: 4, Watermark: 1000})
	assert.False(t, ok)
	_, ok = c.Unread(ctx, "U1", "C", fp)
	assert.False(t, ok, "a stale entry is deleted on detection")

	inputs := map[string]Fingerprint{"C": fp, "D": {Version: 1}}
	c.PutTotal(ctx, "U1", inputs, 7)
	total, ok := c.Total(ctx, "U1", inputs)
	require.True(t, ok)
	assert.Equal(t, 7, total)
	_, ok = c.Total(ctx, "U1", map[string]Fingerprint{"C": fp})
	assert.False(t, ok)
}

func TestCounters_InvalidateUnread(t *testing.T) {
	ctx := context.Background()
	c := NewCounters(newResilient(newFlaky()), time.Minute, nil)
	fp := Fingerprint{Version: 1}
	c.PutUnread(ctx, "U1", "C", fp, 1)
	c.PutUnread(ctx, "U1", "D", fp, 2)
	c.PutTotal(ctx, "U1", map[string]Fingerprint{"C": fp, "D": fp}, 3)

	c.InvalidateUnread(ctx, "U1", "C")
	_, ok := c.Unread(ctx, "U1", "C", fp)
	assert.False(t, ok)
	_, ok = c.Total(ctx, "U1", map[string]Fingerprint{"C": fp, "D": fp})
	assert.False(t, ok)
	_, ok = c.Unread(ctx, "U1", "D", fp)
	assert.True(t, ok)

	c.InvalidateAllUnread(ctx, "U1")
	_, ok = c.Unread(ctx, "U1", "D", fp)
	assert.False(t, ok)
}

func TestCounters_Preferences(t *testing.T) {
	ctx := context.Background()
	c := NewCounters(newResilient(newFlaky()), time.Minute, nil)
	p := store.Preferences{UserID: "U1", Settings: map[string]any{"theme": "dark"}, Version: 2}

	c.PutPreferences(ctx, p)
	got, ok := c.Preferences(ctx, "U1", 2)
	require.True(t, ok)
	assert.Equal(t, "dark", got.Settings["theme"])

	_, ok = c.Preferences(ctx, "U1", 3)
	assert.False(t, ok)
}

func TestRedisBackend(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	for _, track := range []bool{false, true} {
		b := NewRedis(client, track)
		prefix := "unread:test_redis_backend:"
		b.DeletePrefix(ctx, prefix)

		require.NoError(t, b.Set(ctx, prefix+"c1", []byte("1"), time.Minute))
		require.NoError(t, b.Set(ctx, prefix+"c2", []byte("2"), time.Minute))
		v, ok, err := b.Get(ctx, prefix+"c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", string(v))

		require.NoError(t, b.Delete(ctx, prefix+"c1"))
		_, ok, err = b.Get(ctx, prefix+"c1")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := b.DeletePrefix(ctx, prefix)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "trackKeys=%v", track)
	}
}
