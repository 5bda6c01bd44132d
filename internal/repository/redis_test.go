package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisMirrorStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := NewRedisMirrorStore(RedisOptions{Address: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisMirrorStoreSetGetTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)

	require.NoError(t, store.Set(ctx, "connection:a", []byte(`{"connectionId":"a"}`), 3*time.Minute))

	value, err := store.Get(ctx, "connection:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"connectionId":"a"}`, string(value))
	assert.Equal(t, 3*time.Minute, mr.TTL("connection:a"))

	mr.FastForward(3 * time.Minute)

	_, err = store.Get(ctx, "connection:a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisMirrorStoreScanAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	for _, key := range []string{"connection:a", "connection:b", "online:guest_a", "room:x"} {
		require.NoError(t, store.Set(ctx, key, []byte(`{}`), time.Hour))
	}

	keys, err := store.Scan(ctx, "connection:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"connection:a", "connection:b"}, keys)

	n, err := store.Delete(ctx, keys...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.Delete(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisMirrorStoreCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)

	require.NoError(t, store.Set(ctx, "online:guest_a", []byte(`{"connectionId":"conn-2","userId":"guest_a"}`), time.Hour))

	removed, err := store.CompareAndDelete(ctx, "online:guest_a", "conn-1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, mr.Exists("online:guest_a"))

	removed, err = store.CompareAndDelete(ctx, "online:guest_a", "conn-2")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("online:guest_a"))
}

func TestRedisMirrorStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	mr.Close()

	err := store.Set(ctx, "connection:a", []byte(`{}`), time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.Ping(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `online:guest\*\?`, escapeGlob("online:guest*?"))
	assert.Equal(t, "connection:", escapeGlob("connection:"))
}
