package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/streamd/pkg/cache"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()

	tr, err := New(cache.NewMemoryCache(), Config{}, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestTracker_RegisterIsActiveUnregister(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	active, err := tr.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, tr.Register(ctx, "s1"))

	active, err = tr.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, tr.Unregister(ctx, "s1"))

	active, err = tr.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestTracker_RegisterIdempotent(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "s1"))
	require.NoError(t, tr.Register(ctx, "s1"))

	active, err := tr.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTracker_UnregisterIdempotent(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "s1"))
	require.NoError(t, tr.Unregister(ctx, "s1"))
	require.NoError(t, tr.Unregister(ctx, "s1"), "second unregister must be a no-op")
}

func TestTracker_InterruptMarker(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	interrupted, err := tr.IsInterrupted(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)

	require.NoError(t, tr.MarkInterrupted(ctx, "s1"))

	interrupted, err = tr.IsInterrupted(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, interrupted)

	require.NoError(t, tr.ClearInterrupt(ctx, "s1"))

	interrupted, err = tr.IsInterrupted(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestTracker_UnregisterClearsInterrupt(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "s1"))
	require.NoError(t, tr.MarkInterrupted(ctx, "s1"))
	require.NoError(t, tr.Unregister(ctx, "s1"))

	interrupted, err := tr.IsInterrupted(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestTracker_FailsClosedWhenCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr, err := New(cache.NewRedisCacheFromClient(client, zerolog.Nop()), Config{}, zerolog.Nop())
	require.NoError(t, err)

	mr.Close()

	err = tr.Register(context.Background(), "s1")
	assert.ErrorIs(t, err, cache.ErrUnavailable)

	_, err = tr.IsActive(context.Background(), "s1")
	assert.ErrorIs(t, err, cache.ErrUnavailable)
}

func TestTracker_MarkerTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr, err := New(
		cache.NewRedisCacheFromClient(client, zerolog.Nop()),
		Config{ActiveTTL: time.Second, InterruptTTL: time.Second},
		zerolog.Nop(),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.Register(ctx, "s1"))
	require.NoError(t, tr.MarkInterrupted(ctx, "s1"))

	mr.FastForward(2 * time.Second)

	active, err := tr.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, active, "crashed replica's marker must self-expire")

	interrupted, err := tr.IsInterrupted(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)
}
