package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	backend := NewRedis(client, "", 5, time.Minute)

	for i := 0; i < 5; i++ {
		ok, err := backend.Allow(ctx, "10.0.0.1", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	ok, err := backend.Allow(ctx, "10.0.0.1", t0.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	members, err := mr.ZMembers("ratelimit:10.0.0.1")
	require.NoError(t, err)
	require.Len(t, members, 5)

	ok, err = backend.Allow(ctx, "10.0.0.1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = backend.Allow(ctx, "10.0.0.2", t0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisSameMillisecondCountsTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := NewRedis(client, "rl:", 2, time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := backend.Allow(context.Background(), "k", t0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := backend.Allow(context.Background(), "k", t0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	backend := NewRedis(client, "", 1, time.Minute)
	mr.Close()

	_, err := backend.Allow(context.Background(), "k", t0)
	require.Error(t, err)
}
