package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkdog.im/internal/config"
	"parkdog.im/internal/protocol"
	imErrors "parkdog.im/pkg/errors"
)

func TestSQLiteCache_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "history.db")
	cache, err := OpenSQLite(path)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	m1 := msg("m1", "u2", 0, protocol.StatusDelivered)
	m2 := msg("m2", "u1", time.Second, protocol.StatusSent)
	m2.TempID = "tmp-2"
	pending := protocol.Message{TempID: "tmp-3", ConversationID: "c1", SenderID: "u1", Text: "p", CreatedAt: t0, Status: protocol.StatusPending}

	require.NoError(t, cache.Save(ctx, []protocol.Message{m2, m1, pending}))

	got, err := cache.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "tmp-2", got[1].TempID)
	assert.True(t, got[1].CreatedAt.Equal(m2.CreatedAt))

	// 已读标记不会被覆盖回未读
	m2.Read = true
	require.NoError(t, cache.Save(ctx, []protocol.Message{m2}))
	m2.Read = false
	require.NoError(t, cache.Save(ctx, []protocol.Message{m2}))
	got, err = cache.Load(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got[1].Read)

	empty, err := cache.Load(ctx, "c-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteCache_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	cache, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, cache.Save(context.Background(), []protocol.Message{msg("m1", "u2", 0, protocol.StatusDelivered)}))
	require.NoError(t, cache.Close())

	cache, err = OpenSQLite(path)
	require.NoError(t, err)
	defer cache.Close()

	got, err := cache.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewHistoryCache(t *testing.T) {
	c, err := NewHistoryCache(config.CacheConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, NopCache{}, c)

	c, err = NewHistoryCache(config.CacheConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteCache{}, c)
	require.NoError(t, c.Close())

	_, err = NewHistoryCache(config.CacheConfig{Driver: "redis"})
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))

	_, err = NewHistoryCache(config.CacheConfig{Driver: "sqlite"})
	assert.True(t, imErrors.Is(err, imErrors.ErrInvalidParams))
}
