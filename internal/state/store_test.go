package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *ConversationState {
	st := New()
	st.TurnCount = 3
	st.TopicHistory = []string{"work"}
	st.UserFacts["name"] = "Priya"
	st.RecentCategories = []string{"greeting", "general_engagement"}
	st.UpdatedAt = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return st
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	st := sampleState()
	require.NoError(t, store.Save(ctx, "c1", st))

	// Mutating after save must not leak into the store.
	st.TurnCount = 99

	got, err = store.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.TurnCount)

	got.UserFacts["name"] = "changed"
	again, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Priya", again.UserFacts["name"])

	require.NoError(t, store.Delete(ctx, "c1"))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStorePurgeIdle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	old := New()
	old.UpdatedAt = now.Add(-3 * time.Hour)
	fresh := New()
	fresh.UpdatedAt = now.Add(-10 * time.Minute)

	require.NoError(t, store.Save(ctx, "old", old))
	require.NoError(t, store.Save(ctx, "fresh", fresh))

	purged := store.PurgeIdle(now, 2*time.Hour)
	assert.Equal(t, []string{"old"}, purged)
	assert.Equal(t, 1, store.Len())
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, time.Hour)

	got, err := store.Load(ctx, "u1:s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Save(ctx, "u1:s1", sampleState()))
	assert.True(t, mr.Exists("kozy:state:u1:s1"))
	assert.Equal(t, time.Hour, mr.TTL("kozy:state:u1:s1"))

	got, err = store.Load(ctx, "u1:s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.TurnCount)
	assert.Equal(t, []string{"work"}, got.TopicHistory)
	assert.Equal(t, "Priya", got.UserFacts["name"])
	assert.True(t, got.UpdatedAt.Equal(sampleState().UpdatedAt))

	require.NoError(t, store.Delete(ctx, "u1:s1"))
	assert.False(t, mr.Exists("kozy:state:u1:s1"))
}

func TestRedisStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, time.Minute)

	require.NoError(t, store.Save(ctx, "c1", sampleState()))
	mr.FastForward(2 * time.Minute)

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreCorruptValue(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, 0)

	require.NoError(t, mr.Set("kozy:state:bad", "{not json"))
	_, err := store.Load(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode state")
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, 0)
	require.NoError(t, store.Ping(ctx))

	mr.Close()
	_, err := store.Load(ctx, "c1")
	require.Error(t, err)
	require.Error(t, store.Ping(ctx))
}
