package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBucketsArePerKey(t *testing.T) {
	t.Parallel()
	l := NewLocal(0.001, 1)
	assert.True(t, l.Allow("acme"))
	assert.False(t, l.Allow("acme"))
	assert.True(t, l.Allow("other"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "acme"))
}

func TestRedisTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedis(rdb, "", 1, 2)
	frozen := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return frozen }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok, "call %d within burst", i)
	}
	ok, err := r.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	ok, err = r.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "buckets are per key")

	frozen = frozen.Add(1500 * time.Millisecond)
	ok, err = r.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ok, "refilled after a second")
	assert.True(t, mr.Exists("signupassist:ratelimit:acme"))
}

func TestRedisWaitHonoursContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedis(rdb, "t:", 0.01, 1)
	frozen := time.Now()
	r.now = func() time.Time { return frozen }
	require.NoError(t, r.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := r.Wait(ctx, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewSelectsDriver(t *testing.T) {
	t.Parallel()
	l, closeFn, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, l)
	assert.NoError(t, closeFn())

	l, _, err = New(Config{Driver: "local", RatePerSec: 10, Burst: 2})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)

	_, _, err = New(Config{Driver: "redis"})
	assert.Error(t, err)
	_, _, err = New(Config{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}
