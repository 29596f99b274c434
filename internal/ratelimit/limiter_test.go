package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flashsale/reservation/internal/config"
	"github.com/flashsale/reservation/internal/ratelimit"
)

// newTestClient connects to a local Redis instance for integration-style
// coverage of the Lua window script; it skips when none is reachable.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: config.GetEnv("TEST_REDIS_ADDR", "localhost:6379")})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not reachable, skipping ratelimit integration test:", err)
	}
	return client
}

func TestAllowRejectsOverLimitWithRetryAfter(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	l := ratelimit.New(client, nil, ratelimit.Policy{Name: "checkout", Limit: 2, Window: time.Minute})
	ctx := context.Background()
	id := ratelimit.Identity{UserID: "caller-" + t.Name()}

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "checkout", id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Allow(ctx, "checkout", id)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAllowKeysAnonymousCallersByAddress(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	l := ratelimit.New(client, nil, ratelimit.Policy{Name: "api-" + t.Name(), Limit: 1, Window: time.Minute})
	ctx := context.Background()

	d, err := l.Allow(ctx, "api-"+t.Name(), ratelimit.Identity{RemoteAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Same address is throttled, a different one is not.
	d, err = l.Allow(ctx, "api-"+t.Name(), ratelimit.Identity{RemoteAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Allow(ctx, "api-"+t.Name(), ratelimit.Identity{RemoteAddr: "10.0.0.2"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAllowSkipsAdminWhenPolicySaysSo(t *testing.T) {
	// No Redis round-trip happens on the skip path, so the unreachable
	// backend proves the exemption short-circuits.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	l := ratelimit.New(client, nil, ratelimit.Policy{Name: "api", Limit: 1, Window: time.Second, SkipAdmin: true})
	d, err := l.Allow(context.Background(), "api", ratelimit.Identity{UserID: "root", Admin: true})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAllowFailsOpenOnBackendOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	l := ratelimit.New(client, nil, ratelimit.Policy{Name: "checkout", Limit: 1, Window: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	d, err := l.Allow(ctx, "checkout", ratelimit.Identity{UserID: "caller-1"})
	require.NoError(t, err)
	require.True(t, d.Allowed, "limiter must fail open when the backend is unreachable")
}

func TestAllowRejectsUnknownPolicy(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	l := ratelimit.New(client, nil)
	_, err := l.Allow(context.Background(), "nope", ratelimit.Identity{UserID: "x"})
	require.Error(t, err)
}
