package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/gateway/internal/store"
)

func trackers(t *testing.T) map[string]func(store.Store) *Tracker {
	t.Helper()
	out := map[string]func(store.Store) *Tracker{
		"local": func(s store.Store) *Tracker { return NewTracker(nil, s, "node-a", nil) },
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return out
	}
	t.Cleanup(func() { client.Close() })
	out["redis"] = func(s store.Store) *Tracker { return NewTracker(client, s, "node-a", nil) }
	return out
}

func TestTracker_OnlineOffline(t *testing.T) {
	for name, newTracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			id := "u-" + uuid.NewString()[:8]
			_, _, err := s.EnsureUser(ctx, id)
			require.NoError(t, err)

			tr := newTracker(s)
			var changes []Status
			tr.OnChange(func(st Status) { changes = append(changes, st) })

			require.NoError(t, tr.Online(ctx, id, "conn-1"))
			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, st.Online())
			assert.Equal(t, "node-a", st.Node)
			assert.Equal(t, "conn-1", st.ConnID)

			u, err := s.GetUser(ctx, id)
			require.NoError(t, err)
			assert.True(t, u.Online)

			applied, err := tr.Offline(ctx, id, "conn-1")
			require.NoError(t, err)
			assert.True(t, applied)
			st, err = tr.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, st.Online())
			assert.NotZero(t, st.LastSeen)

			require.Len(t, changes, 2)
			assert.True(t, changes[0].Online())
			assert.False(t, changes[1].Online())
		})
	}
}

func TestTracker_StaleOfflineIsIgnored(t *testing.T) {
	for name, newTracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			id := "u-" + uuid.NewString()[:8]
			_, _, err := s.EnsureUser(ctx, id)
			require.NoError(t, err)
			tr := newTracker(s)

			require.NoError(t, tr.Online(ctx, id, "old"))
			require.NoError(t, tr.Online(ctx, id, "new"))

			// The replaced connection closes after its successor registered.
			applied, err := tr.Offline(ctx, id, "old")
			require.NoError(t, err)
			assert.False(t, applied)

			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, st.Online())
			assert.Equal(t, "new", st.ConnID)
		})
	}
}

func TestTracker_LookupFallsBackToLastSeen(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for _, id := range []string{"alice", "bob"} {
		_, _, err := s.EnsureUser(ctx, id)
		require.NoError(t, err)
	}
	seen := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.SetPresence(ctx, "bob", false, seen))

	tr := NewTracker(nil, s, "node-a", nil)
	require.NoError(t, tr.Online(ctx, "alice", "c1"))

	statuses, err := tr.Lookup(ctx, []string{"alice", "bob", "nobody"})
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Online())
	assert.False(t, statuses[1].Online())
	assert.Equal(t, seen.UnixMilli(), statuses[1].LastSeen)
	assert.Equal(t, "nobody", statuses[2].Identity)
	assert.Zero(t, statuses[2].LastSeen)
}
