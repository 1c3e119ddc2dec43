package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), "://nope")
	assert.Error(t, err)
}

func TestClient_SetGetDel(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	ttl, err := client.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_DeletePrefix(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "cache:route:a", "1", time.Minute))
	require.NoError(t, client.Set(ctx, "cache:route:b", "2", time.Minute))
	require.NoError(t, client.Set(ctx, "other", "3", time.Minute))

	removed, err := client.DeletePrefix(ctx, "cache:route:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = client.Get(ctx, "other")
	assert.NoError(t, err)
}

func TestClient_CheckRateLimit(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, remaining, err := client.CheckRateLimit(ctx, "1.2.3.4", 3)
		require.NoError(t, err)
		assert.False(t, exceeded)
		assert.Equal(t, 2-i, remaining)
	}

	exceeded, remaining, err := client.CheckRateLimit(ctx, "1.2.3.4", 3)
	require.NoError(t, err)
	assert.True(t, exceeded)
	assert.Equal(t, 0, remaining)

	// window expires
	mr.FastForward(61 * time.Second)
	exceeded, _, err = client.CheckRateLimit(ctx, "1.2.3.4", 3)
	require.NoError(t, err)
	assert.False(t, exceeded)
}
