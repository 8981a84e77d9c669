package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/streamd/pkg/cache"
)

func TestWithLock_RunsAndReleases(t *testing.T) {
	c := cache.NewMemoryCache()
	m := NewManager(c, zerolog.Nop())

	ran := false
	err := m.WithLock(context.Background(), "res", func(context.Context) error {
		ran = true

		held, err := c.Exists(context.Background(), "streamd:lock:res")
		require.NoError(t, err)
		assert.True(t, held, "lock key must exist while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	held, err := c.Exists(context.Background(), "streamd:lock:res")
	require.NoError(t, err)
	assert.False(t, held, "lock key must be released after fn")
}

func TestWithLock_PropagatesFnError(t *testing.T) {
	m := NewManager(cache.NewMemoryCache(), zerolog.Nop())

	wantErr := errors.New("boom")
	err := m.WithLock(context.Background(), "res", func(context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestWithLock_TimesOutUnderContention(t *testing.T) {
	c := cache.NewMemoryCache()
	m := NewManager(c, zerolog.Nop())

	// Simulate another replica holding the lock.
	ok, err := c.SetNX(context.Background(), "streamd:lock:res", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = m.WithLockOptions(context.Background(), "res", func(context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	}, Options{AcquireTimeout: 100 * time.Millisecond, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestWithLock_NilCacheRunsUnlocked(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	ran := false
	err := m.WithLock(context.Background(), "res", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_MutualExclusion(t *testing.T) {
	c := cache.NewMemoryCache()
	m := NewManager(c, zerolog.Nop())

	const workers = 8
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "counter", func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}
