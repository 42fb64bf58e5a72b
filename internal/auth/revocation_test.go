package auth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryRevocationsSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRevocations()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "edge", ExpiresAt: now}))
	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "live", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "live", ExpiresAt: now.Add(time.Hour), Reason: "again"}))
	require.Equal(t, 3, store.Len())

	removed, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	revoked, err := store.IsRevoked(ctx, "live")
	require.NoError(t, err)
	require.True(t, revoked)
	revoked, err = store.IsRevoked(ctx, "old")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	store := NewMemoryRevocations()
	require.NoError(t, store.Revoke(context.Background(), RevokedToken{TokenID: "gone", ExpiresAt: time.Now().Add(-time.Hour)}))

	ctx, cancel := context.WithCancel(context.Background())
	var swept atomic.Int64
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, store, 5*time.Millisecond, nil, func(n int) { swept.Add(int64(n)) })
		close(done)
	}()

	require.Eventually(t, func() bool { return swept.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	require.Zero(t, store.Len())
}

func TestRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisRevocations(client, "")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "t1", UserID: "u", ExpiresAt: now.Add(time.Minute), Reason: "logout"}))
	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "t1", UserID: "u", ExpiresAt: now.Add(time.Hour), Reason: "again"}))
	require.NoError(t, store.Revoke(ctx, RevokedToken{TokenID: "expired", ExpiresAt: now.Add(-time.Second)}))

	revoked, err := store.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, time.Minute, mr.TTL("revoked:t1"))

	revoked, err = store.IsRevoked(ctx, "expired")
	require.NoError(t, err)
	require.False(t, revoked)

	mr.FastForward(time.Minute)
	revoked, err = store.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	require.False(t, revoked)

	n, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedisRevocationsBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisRevocations(client, "")
	mr.Close()

	_, err := store.IsRevoked(context.Background(), "t1")
	require.Error(t, err)

	svc, err := NewTokenService("test-secret-0123456789", store)
	require.NoError(t, err)
	issued, err := svc.IssueToken("u", RoleAdmin, nil, TokenAccess, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateAccess(context.Background(), issued.Token)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestTokenServiceWithRedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	svc, err := NewTokenService("test-secret-0123456789", NewRedisRevocations(client, "sparing:revoked:"))
	require.NoError(t, err)

	issued, err := svc.IssueToken("u", RoleAdmin, nil, TokenAccess, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateAccess(ctx, issued.Token)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, issued.TokenID, "u", issued.ExpiresAt, "logout"))
	_, err = svc.ValidateAccess(ctx, issued.Token)
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.True(t, mr.Exists("sparing:revoked:"+issued.TokenID))
}
